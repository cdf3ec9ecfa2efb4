package httpadapter

import (
	"net/http"

	"golang.org/x/net/websocket"
)

// pipelineStream relays bus events to a websocket client until either side
// goes away. A client too slow to drain its buffer is evicted by the bus and
// the connection closes.
func (s *Server) pipelineStream(w http.ResponseWriter, r *http.Request) {
	if s.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Detail: "event stream unavailable"})
		return
	}
	websocket.Server{Handler: s.relay}.ServeHTTP(w, r)
}

func (s *Server) relay(ws *websocket.Conn) {
	defer ws.Close()
	sub := s.Bus.Subscribe()
	defer sub.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var discard []byte
		for {
			if err := websocket.Message.Receive(ws, &discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-ws.Request().Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := websocket.JSON.Send(ws, ev); err != nil {
				s.Logger.Debug("stream client write failed", "err", err)
				return
			}
		}
	}
}
