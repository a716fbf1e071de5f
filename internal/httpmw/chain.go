package httpmw

import (
	"net/http"
	"slices"
)

// Chain wraps h so that mws[0] runs first. nil entries are skipped.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for _, mw := range slices.Backward(mws) {
		if mw != nil {
			h = mw(h)
		}
	}
	return h
}
