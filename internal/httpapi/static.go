package httpapi

import (
	"embed"
	"io/fs"
	"net/http"
)

// The player shell: attaches to /v1/avatar/ws, shows the stream descriptor
// and sends driver text.
//
//go:embed static/*
var playerShell embed.FS

func newStaticHandler() http.Handler {
	sub, err := fs.Sub(playerShell, "static")
	if err != nil {
		return http.NotFoundHandler()
	}
	return http.FileServer(http.FS(sub))
}
