package apiclient

import (
	"errors"
	"net/http"
	"testing"

	"github.com/aussiebroadwan/carelink/pkg/domain"
	"github.com/stretchr/testify/require"
)

func TestParseErrorResponse(t *testing.T) {
	t.Parallel()

	t.Run("success is nil", func(t *testing.T) {
		require.Nil(t, parseErrorResponse(http.StatusOK, nil))
		require.Nil(t, parseErrorResponse(http.StatusNoContent, nil))
	})

	t.Run("message shape", func(t *testing.T) {
		herr := parseErrorResponse(http.StatusConflict, []byte(`{"error":"slot_taken","message":"slot already booked"}`))
		require.Equal(t, http.StatusConflict, herr.Status)
		require.Equal(t, "slot_taken", herr.Code)
		require.Equal(t, "slot already booked", herr.Message)
	})

	t.Run("oauth shape", func(t *testing.T) {
		herr := parseErrorResponse(http.StatusUnauthorized, []byte(`{"error":"invalid_token","error_description":"expired"}`))
		require.Equal(t, "invalid_token", herr.Code)
		require.Equal(t, "expired", herr.Message)
		require.True(t, herr.Unauthorized())
	})

	t.Run("non json body", func(t *testing.T) {
		herr := parseErrorResponse(http.StatusBadGateway, []byte("<html>bad gateway</html>"))
		require.Equal(t, "Bad Gateway", herr.Message)
		require.Equal(t, []byte("<html>bad gateway</html>"), herr.Body)
	})
}

func TestRefreshErrorIsUnauthenticated(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := error(&HTTPError{Status: http.StatusUnauthorized, Err: &RefreshError{Reason: "rejected", Err: cause}})

	require.ErrorIs(t, err, domain.ErrUnauthenticated)
	require.ErrorIs(t, err, cause)

	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	require.Equal(t, "rejected", refreshErr.Reason)
}
