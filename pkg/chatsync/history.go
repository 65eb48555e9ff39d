package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/aussiebroadwan/carelink/pkg/apiclient"
	"github.com/aussiebroadwan/carelink/pkg/domain"
)

// HistoryClient is the REST surface needed to page through history.
type HistoryClient interface {
	Request(ctx context.Context, method, path string, body any) (*apiclient.Response, error)
}

type historyPage struct {
	Messages []domain.Message `json:"messages"`
}

// historyPath builds the page request. The server returns the newest
// messages first; before asks for messages older than that id.
func historyPath(id domain.ConversationID, limit int, before domain.MessageID) string {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if !before.IsZero() {
		q.Set("before", before.String())
	}
	return "/conversations/" + url.PathEscape(id.String()) + "/messages?" + q.Encode()
}

// fetchPage returns the page's messages for id. exhausted reports a short
// page as sent by the server, before foreign rows are dropped.
func fetchPage(
	ctx context.Context,
	api HistoryClient,
	id domain.ConversationID,
	limit int,
	before domain.MessageID,
) (page []domain.Message, exhausted bool, err error) {
	resp, err := api.Request(ctx, http.MethodGet, historyPath(id, limit, before), nil)
	if err != nil {
		return nil, false, fmt.Errorf("fetch history of %s: %w", id, err)
	}

	messages, err := decodePage(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("decode history of %s: %w", id, err)
	}
	exhausted = len(messages) < limit

	// Events and history from other rooms never share a view.
	out := messages[:0]
	for _, m := range messages {
		if m.ConversationID == "" {
			m.ConversationID = id
		}
		if m.ConversationID == id && !m.ID.IsZero() {
			out = append(out, m)
		}
	}
	return out, exhausted, nil
}

// decodePage accepts {"messages":[...]} and a bare array.
func decodePage(body []byte) ([]domain.Message, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if body[0] == '[' {
		var messages []domain.Message
		if err := json.Unmarshal(body, &messages); err != nil {
			return nil, err
		}
		return messages, nil
	}
	var page historyPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, err
	}
	return page.Messages, nil
}
