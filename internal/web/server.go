package web

import (
	"html/template"
	"net/http"
	"os"
)

// Server serves static files from Dir. Without a Dir it renders a small
// landing page describing the relay.
type Server struct {
	Dir         string
	Name        string
	Description string
	URL         string
}

var landing = template.Must(template.New("landing").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>{{.Name}}</title></head>
<body>
<h1>{{.Name}}</h1>
{{if .Description}}<p>{{.Description}}</p>{{end}}
<p>This is a Nostr relay. Connect with a Nostr client{{if .URL}} at <code>{{.URL}}</code>{{end}}.</p>
</body>
</html>
`))

func (s *Server) Handler() http.Handler {
	if s.Dir != "" {
		if info, err := os.Stat(s.Dir); err == nil && info.IsDir() {
			fs := http.FileServer(http.Dir(s.Dir))
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				noCache(w)
				fs.ServeHTTP(w, r)
			})
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		noCache(w)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = landing.Execute(w, s)
	})
}

func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}
