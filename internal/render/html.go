// Package render turns transcripts into something a person reads: sanitized
// HTML for export and styled markdown for the terminal.
package render

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"qa-chat/internal/domain"
)

var (
	markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	ugc      = bluemonday.UGCPolicy()
)

// Fragment converts markdown to HTML with every unsafe element and
// attribute removed.
func Fragment(src string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("render: convert markdown: %w", err)
	}
	return template.HTML(ugc.SanitizeBytes(buf.Bytes())), nil
}

type exportMessage struct {
	Sender  string
	Class   string
	Time    string
	Status  string
	Content template.HTML
}

type exportPage struct {
	Title    string
	Messages []exportMessage
}

var page = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,sans-serif;max-width:48rem;margin:2rem auto;padding:0 1rem;color:#1f2933}
.msg{border-radius:.5rem;padding:.75rem 1rem;margin:.75rem 0}
.user{background:#e8f0fe;margin-left:4rem}
.ai{background:#f3f4f6;margin-right:4rem}
.meta{font-size:.75rem;color:#6b7280}
.error .meta{color:#b91c1c}
pre{overflow-x:auto;background:#111827;color:#f9fafb;padding:.75rem;border-radius:.25rem}
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{range .Messages}}<div class="msg {{.Class}}">
<div class="meta">{{.Sender}} · {{.Time}}{{if .Status}} · {{.Status}}{{end}}</div>
{{.Content}}
</div>
{{else}}<p>No messages.</p>
{{end}}</body>
</html>
`))

// HTML writes msgs as a standalone document.
func HTML(w io.Writer, title string, msgs []domain.Message) error {
	p := exportPage{Title: title, Messages: make([]exportMessage, 0, len(msgs))}
	for _, m := range msgs {
		content, err := Fragment(m.Content)
		if err != nil {
			return err
		}
		em := exportMessage{
			Sender:  senderLabel(m.Sender),
			Class:   string(m.Sender),
			Time:    m.Time().UTC().Format(time.RFC3339),
			Content: content,
		}
		if m.Status == domain.StatusError {
			em.Class += " error"
			em.Status = "not answered"
		}
		p.Messages = append(p.Messages, em)
	}
	if err := page.Execute(w, p); err != nil {
		return fmt.Errorf("render: write html: %w", err)
	}
	return nil
}

func senderLabel(s domain.Sender) string {
	if s == domain.SenderAI {
		return "Assistant"
	}
	return "You"
}
