package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const DefaultKeepalive = 30 * time.Second

// ServeSSE streams a subscription as server-sent events until the client
// goes away or the subscription is closed. Each event is one JSON object on
// a single data line.
func ServeSSE(w http.ResponseWriter, r *http.Request, sub *Subscription, keepalive time.Duration) {
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	_, _ = fmt.Fprintf(w, "data: {\"type\":\"connected\",\"workflow_id\":%q}\n\n", sub.workflowID.String())
	flusher.Flush()

	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			b, err := json.Marshal(e)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}
