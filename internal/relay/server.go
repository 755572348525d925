package relay

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

// upgrader leaves CheckOrigin permissive: workers dial in from arbitrary
// hosts and never a browser tab, so an Origin header check would only
// reject legitimate workers, not attackers. Authentication is the signed
// handshake in auth.go, which an Origin check cannot add to.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades an inbound HTTP request to a WebSocket and hands the
// resulting connection to the Hub. Mount at /ws/agent-relay.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("warn: relay: upgrade failed: %v", err)
		return
	}
	go h.HandleConnection(conn)
}
