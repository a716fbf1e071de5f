package opshttp

import (
	"errors"
	"io"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-edge/internal/edge"
	"github.com/keithlinneman/linnemanlabs-edge/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
)

const maxEventBytes = 64 << 10

// EvaluateHandler runs an edge function against a posted viewer-request
// event and returns what the CDN would: the forwarded request object or the
// 401 response object. ?function= selects auth (default) or rum.
func EvaluateHandler(src httpmw.FilterSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "event too large")
				return
			}
			writeJSONError(w, http.StatusBadRequest, "read body")
			return
		}

		var out []byte
		switch r.URL.Query().Get("function") {
		case "", "auth":
			var f *edge.Filter
			if src != nil {
				f = src.Filter()
			}
			if f == nil {
				writeJSONError(w, http.StatusServiceUnavailable, "no edge profile loaded")
				return
			}
			var res edge.Result
			out, res, err = edge.EvaluateAuth(f, body)
			if err == nil {
				log.FromContext(r.Context()).Debug(r.Context(), "evaluated auth function",
					"rejected", res.Rejected(),
					"reason", string(res.Reason),
				)
			}
		case "rum":
			out, err = edge.EvaluateRUM(body)
		default:
			writeJSONError(w, http.StatusBadRequest, "unknown function")
			return
		}
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed event")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(out)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
