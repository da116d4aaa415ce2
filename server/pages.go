package server

import (
	"html/template"
	"log/slog"
	"net/http"
)

const basePage = `<!DOCTYPE html>
<html>
<head>
    <title>{{.Title}}</title>
    {{if .RefreshTo}}<meta http-equiv="refresh" content="{{.RefreshAfter}};url={{.RefreshTo}}">{{end}}
    <style>
        body { font-family: Arial, sans-serif; max-width: 640px; margin: 80px auto; padding: 20px; color: #333; }
        h1 { font-size: 22px; }
        .panel { border: 1px solid #ddd; border-radius: 6px; padding: 24px; }
        .error { border-left: 4px solid #dc3545; }
        .muted { color: #777; font-size: 14px; }
        a.button { display: inline-block; margin-top: 16px; padding: 10px 18px; background: #2c6e49; color: white; text-decoration: none; border-radius: 4px; }
        form label { display: block; margin-top: 12px; }
        form input { padding: 6px; width: 100%; box-sizing: border-box; }
        form button { margin-top: 16px; padding: 10px 18px; }
    </style>
</head>
<body>
    <div class="panel{{if .IsError}} error{{end}}">
        <h1>{{.Title}}</h1>
        {{.Body}}
    </div>
</body>
</html>`

var pageTmpl = template.Must(template.New("page").Parse(basePage))

type pageData struct {
	Title        string
	Body         template.HTML
	IsError      bool
	RefreshTo    string
	RefreshAfter int
}

func renderPage(w http.ResponseWriter, logger *slog.Logger, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTmpl.Execute(w, data); err != nil {
		logger.Error("render page", "error", err)
	}
}
