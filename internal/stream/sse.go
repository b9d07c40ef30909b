package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// WriteSSE writes one server-sent event and flushes it when w supports it.
func WriteSSE(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Type, err)
	}

	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
