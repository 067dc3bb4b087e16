package agent

import (
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var transcriptMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

const transcriptStyle = `body{font-family:-apple-system,system-ui,sans-serif;max-width:48rem;margin:2rem auto;padding:0 1rem;color:#1a1a1a}
.msg{border-left:3px solid #ddd;padding:0.25rem 1rem;margin:1rem 0}
.msg.user{border-color:#2563eb}
.msg.assistant{border-color:#16a34a}
.msg.system{border-color:#9333ea;background:#faf5ff}
.role{font-size:0.75rem;text-transform:uppercase;letter-spacing:0.05em;color:#666}
.at{font-size:0.75rem;color:#999;margin-left:0.5rem}
pre{background:#f4f4f4;padding:0.75rem;border-radius:4px;overflow-x:auto}
code{background:#f4f4f4;padding:0.1rem 0.3rem;border-radius:3px}`

// RenderTranscriptHTML renders a transcript as a standalone HTML page.
// Message bodies are treated as Markdown.
func RenderTranscriptHTML(sessionID, name string, msgs []Message) (string, error) {
	title := sessionID
	if name != "" {
		title = fmt.Sprintf("%s (%s)", name, sessionID)
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<title>%s</title>\n", html.EscapeString(title))
	fmt.Fprintf(&b, "<style>%s</style>\n", transcriptStyle)
	b.WriteString("</head>\n<body>\n")
	fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(title))

	for _, m := range msgs {
		fmt.Fprintf(&b, "<div class=\"msg %s\">\n", html.EscapeString(m.Role))
		fmt.Fprintf(&b, "<div><span class=\"role\">%s</span><span class=\"at\">%s</span></div>\n",
			html.EscapeString(m.Role), m.At.Format("2006-01-02 15:04:05 MST"))
		var body strings.Builder
		if err := transcriptMarkdown.Convert([]byte(m.Content), &body); err != nil {
			return "", fmt.Errorf("render message: %w", err)
		}
		b.WriteString(body.String())
		b.WriteString("</div>\n")
	}

	b.WriteString("</body>\n</html>\n")
	return b.String(), nil
}
