package trace

import (
	"encoding/json"
	"net/http"
)

// Middleware extracts or creates trace context for HTTP requests and echoes
// the trace id back so the UI can quote it when reporting a failed exchange.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc := continueFrom(r.Header.Get(TraceIDKey), r.Header.Get(SpanIDKey))
		w.Header().Set(TraceIDKey, tc.TraceID)
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), tc)))
	})
}

// ExtractFromJSON extracts trace_id from a websocket command.
// Returns the context and whether a trace_id was found.
func ExtractFromJSON(data []byte) (Context, bool) {
	var msg struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.TraceID == "" {
		return New(), false
	}
	return continueFrom(msg.TraceID, ""), true
}
