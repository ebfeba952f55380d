package export

import (
	"bytes"
	"html/template"
	"time"
)

var chapterTemplate = template.Must(template.New("chapter").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		if t.IsZero() {
			return ""
		}
		return t.Format(layout)
	},
}).Parse(chapterHTML))

// TemplateData holds data for chapter template rendering
type TemplateData struct {
	Title       string
	Author      string
	UpdatedAt   time.Time
	ContentHTML template.HTML
	Comments    []TemplateComment
}

// TemplateComment is one numbered comment in the export appendix.
type TemplateComment struct {
	Number    int
	ID        string
	Quote     string
	Body      string
	Author    string
	CreatedAt time.Time
	Resolved  bool
}

// RenderChapterHTML renders the chapter template with provided data
func RenderChapterHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := chapterTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const chapterHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    mark { background: #fff3b0; }
    .comment { background: #f5f5f5; padding: 0.75rem 1rem; margin: 0.75rem 0; border-left: 3px solid #333; }
    .comment.orphaned { border-left-color: #b00; }
    .quote { font-style: italic; color: #444; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.Author}}{{with formatDate .UpdatedAt "Jan 2, 2006"}} | {{.}}{{end}}</div>
  <div class="content">{{.ContentHTML}}</div>
  {{if .Comments}}
  <h2>Comments</h2>
  {{range .Comments}}
  <div class="comment{{if not .Resolved}} orphaned{{end}}" id="comment-{{.ID}}">
    <div><strong>[{{.Number}}]</strong> {{.Author}}{{with formatDate .CreatedAt "Jan 2, 2006"}} | {{.}}{{end}}</div>
    <div class="quote">&ldquo;{{.Quote}}&rdquo;{{if not .Resolved}} (text no longer in chapter){{end}}</div>
    <div>{{.Body}}</div>
  </div>
  {{end}}
  {{end}}
</body>
</html>`
