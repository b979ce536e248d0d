package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var sheetTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(v interface{}, layout string) string {
			switch t := v.(type) {
			case time.Time:
				return t.Format(layout)
			case *time.Time:
				if t == nil {
					return ""
				}
				return t.Format(layout)
			}
			return ""
		},
	}

	content, err := templateFS.ReadFile("templates/sheet.html")
	if err != nil {
		// Fallback to built-in template if the embedded file is missing
		sheetTemplate = template.Must(template.New("sheet").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	sheetTemplate = template.Must(template.New("sheet").Funcs(funcMap).Parse(string(content)))
}

// SheetData holds everything the study-sheet template renders.
type SheetData struct {
	BoardName   string
	Subject     string
	Color       string
	OwnerName   string
	GeneratedAt time.Time
	BoardTags   []string
	Tiles       []SheetTile
	Files       []SheetFile
}

// SheetTile is one study unit on the sheet.
type SheetTile struct {
	Title    string
	Status   string
	Priority int
	Notes    string
	DueAt    *time.Time
}

// SheetFile is one attachment listed on the sheet.
type SheetFile struct {
	Name string
	Tags []string
}

// RenderSheetHTML renders the study-sheet template with the provided data.
func RenderSheetHTML(data SheetData) (string, error) {
	var buf bytes.Buffer
	if err := sheetTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.BoardName}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 3px solid {{if .Color}}{{.Color}}{{else}}#4f46e5{{end}}; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .tile { background: #f5f5f5; padding: 1rem; margin: 1rem 0; border-left: 3px solid #4f46e5; }
    .tags { color: #4f46e5; font-size: 0.85em; }
  </style>
</head>
<body>
  <h1>{{.BoardName}}</h1>
  <div class="meta">{{if .Subject}}{{.Subject}} | {{end}}{{.OwnerName}} | {{formatDate .GeneratedAt "Jan 2, 2006"}}</div>
  {{if .BoardTags}}<div class="tags">{{range .BoardTags}}#{{.}} {{end}}</div>{{end}}
  {{range .Tiles}}
  <div class="tile">
    <strong>{{.Title}}</strong> ({{lower .Status}}){{if .DueAt}} due {{formatDate .DueAt "Jan 2, 2006"}}{{end}}
    {{if .Notes}}<p>{{.Notes}}</p>{{end}}
  </div>
  {{end}}
  {{if .Files}}
  <h2>Attachments</h2>
  <ul>{{range .Files}}<li>{{.Name}}{{if .Tags}} <span class="tags">{{range .Tags}}#{{.}} {{end}}</span>{{end}}</li>{{end}}</ul>
  {{end}}
</body>
</html>`
