package main

import (
	"net/http"

	"tidepredator/internal/wshub"
)

// newHTTPMux exposes the dashboard websocket endpoint on its own mux,
// the way main.go serves /ws/public and /ws/private off a dedicated
// signalMux rather than the default one.
func newHTTPMux(hub *wshub.Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWebSocket)
	return mux
}

func runHTTP(addr string, mux *http.ServeMux) error {
	return http.ListenAndServe(addr, mux)
}
