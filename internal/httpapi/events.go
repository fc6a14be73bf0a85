package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"modelkeeper/internal/events"
)

const eventBuffer = 64

// events godoc
// @Summary      Lifecycle and progress event stream
// @Description  Server-sent events. Buffered events newer than ?since= (or Last-Event-ID) are replayed first.
// @Tags         events
// @Produce      text/event-stream
// @Param        since  query  int  false  "last sequence number seen"
// @Success      200
// @Router       /events [get]
func (a *api) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	since := r.URL.Query().Get("since")
	if since == "" {
		since = r.Header.Get("Last-Event-ID")
	}
	var last uint64
	if since != "" {
		n, err := strconv.ParseUint(since, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "since must be a sequence number")
			return
		}
		last = n
	}

	// Subscribe before replaying so nothing published in between is lost.
	ch, unsubscribe := a.svc.Subscribe(eventBuffer)
	defer unsubscribe()
	sseClients.Inc()
	defer sseClients.Dec()

	out := io.Writer(w)
	if requestLogLevel(r) >= LevelDebug {
		out = io.MultiWriter(w, &lineLogger{prefix: "events"})
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if since != "" {
		for _, e := range a.svc.EventsSince(last) {
			if writeEvent(out, e) != nil {
				return
			}
			last = e.Seq
		}
	}
	flusher.Flush()

	ctx, cancel := withBase(r.Context())
	defer cancel()
	tick := time.NewTicker(sseHeartbeat)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if _, err := io.WriteString(out, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Seq <= last {
				continue
			}
			if writeEvent(out, e) != nil {
				return
			}
			last = e.Seq
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Name, data)
	return err
}
