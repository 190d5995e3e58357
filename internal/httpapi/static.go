package httpapi

import (
	"embed"
	"net/http"
)

//go:embed static/index.html
var staticFiles embed.FS

// statusPage serves the embedded human-readable status page.
func (api *API) statusPage(w http.ResponseWriter, r *http.Request) {
	page, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "status page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}
