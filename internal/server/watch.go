package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"

	"handoff/internal/bus"
	"handoff/internal/engine"
)

const watchHeartbeat = 15 * time.Second

// registerWatch exposes the live event stream as server-sent events. The
// stream is registered as a raw chi route; the connection stays open until
// the client goes away or the bus shuts down.
func registerWatch(r chi.Router, basePath string, e engine.Engine) {
	r.Get(path.Join(basePath, "watch"), func(w http.ResponseWriter, req *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}
		q := req.URL.Query()
		filter := bus.Filter{
			Channel:  q.Get("channel"),
			TaskType: q.Get("type"),
			Kinds:    q["kind"],
		}
		events, cancel := e.Watch(filter, 0)
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		heartbeat := time.NewTicker(watchHeartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case <-req.Context().Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case evt, open := <-events:
				if !open {
					return
				}
				data, err := json.Marshal(evt)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data)
				flusher.Flush()
			}
		}
	})
}
