// Package web embeds the development chat page served at /dev.
package web

import (
	"bytes"
	"embed"
	"net/http"
	"time"
)

//go:embed dev/index.html
var devFS embed.FS

// DevPage returns the raw development chat page.
func DevPage() []byte {
	page, err := devFS.ReadFile("dev/index.html")
	if err != nil {
		panic("web: failed to read embedded dev page: " + err.Error())
	}
	return page
}

// DevHandler serves the development chat page. The page talks to the
// websocket endpoint at /dev/ws.
func DevHandler() http.Handler {
	page := DevPage()
	modTime := time.Now()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		http.ServeContent(w, r, "index.html", modTime, bytes.NewReader(page))
	})
}
