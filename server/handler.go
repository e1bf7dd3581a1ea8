package server

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHandler creates the HTTP handler with all routes.
func NewHandler(hub *Hub) http.Handler {
	mux := http.NewServeMux()
	a := &api{model: hub.model, log: hub.log.With("component", "api")}

	mux.HandleFunc("POST /documents", a.createDocument)
	mux.HandleFunc("GET /documents/{id}", a.getDocument)
	mux.HandleFunc("PUT /documents/{id}", a.updateDocument)
	mux.HandleFunc("DELETE /documents/{id}", a.deleteDocument)
	mux.HandleFunc("GET /documents/{id}/patches", a.listPatches)
	mux.HandleFunc("POST /documents/{id}/rollback", a.rollback)

	// WebSocket patch feed.
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("websocket upgrade failed", "error", err)
			return
		}
		client := newClient(hub, conn)
		go client.WritePump()
		go client.ReadPump()
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}
