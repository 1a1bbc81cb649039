// ABOUTME: Markdown rendering for notification messages on the pull path
// ABOUTME: Raw HTML in a message is escaped; only markdown syntax becomes markup

package api

import (
	"bytes"
	"html"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
		goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
	)
}

// renderMarkdown converts a message to HTML. On failure the escaped text is
// returned so a bad message never breaks the listing.
func (a *API) renderMarkdown(message string) string {
	var buf bytes.Buffer
	if err := a.markdown.Convert([]byte(message), &buf); err != nil {
		a.logger.Error("failed to convert markdown", "error", err)
		return "<p>" + html.EscapeString(message) + "</p>"
	}
	return buf.String()
}
