package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ProfileInfo describes the edge profile currently in force.
type ProfileInfo interface {
	ProfileVariant() string
	ProfileHash() string
}

// ProfileHeaders adds X-Edge-Variant and X-Edge-Profile (short hash) to
// responses, and tags the span, so a response can be tied to the profile
// that gated it.
func ProfileHeaders(info ProfileInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if info == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			variant, hash := info.ProfileVariant(), info.ProfileHash()
			if len(hash) > 12 {
				hash = hash[:12]
			}
			if variant != "" {
				w.Header().Set("X-Edge-Variant", variant)
			}
			if hash != "" {
				w.Header().Set("X-Edge-Profile", hash)
			}
			if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
				span.SetAttributes(
					attribute.String("edge.profile.variant", variant),
					attribute.String("edge.profile.hash", hash),
				)
			}
			next.ServeHTTP(w, r)
		})
	}
}
