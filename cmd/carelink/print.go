package main

import (
	"fmt"
	"io"

	"github.com/aussiebroadwan/carelink/pkg/domain"
	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	faint  = color.New(color.Faint)
)

var roleColors = map[domain.SenderRole]*color.Color{
	domain.RolePatient: color.New(color.FgCyan),
	domain.RoleDoctor:  color.New(color.FgGreen, color.Bold),
	domain.RoleSupport: color.New(color.FgMagenta),
	domain.RoleSystem:  color.New(color.FgYellow),
}

func printMessage(w io.Writer, msg domain.Message) {
	c, ok := roleColors[msg.SenderRole]
	if !ok {
		c = color.New(color.Reset)
	}

	faint.Fprintf(w, "%s ", msg.CreatedAt.Local().Format("2006-01-02 15:04"))
	c.Fprintf(w, "%-8s", msg.SenderRole)

	content := msg.Content
	if msg.MessageType != "" && msg.MessageType != domain.MessageText {
		content = fmt.Sprintf("[%s] %s", msg.MessageType, msg.Content)
	}
	fmt.Fprintf(w, " %s\n", content)
}
