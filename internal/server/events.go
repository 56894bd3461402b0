package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ahmethakanbesel/finance-pipeline/internal/stream"
)

const keepAlive = 30 * time.Second

// streamEvents relays hub events to the client as server-sent events until
// the client disconnects.
func (h *handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming is disabled")
		return
	}

	rc := http.NewResponseController(w)
	// streams outlive the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := h.hub.Subscribe()
	defer h.hub.Unsubscribe(ch)

	fmt.Fprintf(w, "event: message\ndata: %s\n\n", stream.MakeEvent("ping", nil))
	if err := rc.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
		case msg := <-ch:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
