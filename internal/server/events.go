package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/3leaps/skywork/internal/errors"
)

// sseHeartbeat keeps intermediaries from timing out an idle stream.
const sseHeartbeat = 25 * time.Second

// handleEvents streams the caller's job updates as server-sent events.
// The connection id assigned to the subscription is announced in the
// first event so the client can echo it on submissions, scoping pushes
// to this connection.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		apperrors.Write(w, http.StatusInternalServerError, apperrors.CodeInternal, "streaming unsupported")
		return
	}

	conn, ch, cancel := s.deps.Bus.Subscribe(owner(r))
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Long-lived stream: lift the server write deadline for this
	// response only.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	fmt.Fprintf(w, "event: connected\ndata: {\"conn_id\":%q}\n\n", conn)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Name, payload)
			flusher.Flush()
		}
	}
}
