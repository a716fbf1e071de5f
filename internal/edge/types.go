package edge

import "strings"

// Header is a single header value as delivered by the edge platform.
type Header struct {
	Value string `json:"value"`
}

// Headers maps header names, cased as the platform delivered them, to a value.
type Headers map[string]Header

// Clone returns a copy of h. A nil map clones to an empty one.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Request is the part of the viewer request the edge functions look at.
type Request struct {
	URI     string  `json:"uri"`
	Headers Headers `json:"headers"`
}

func (r Request) clone() Request {
	return Request{URI: r.URI, Headers: r.Headers.Clone()}
}

// Response is a short-circuit response sent to the client without contacting
// the upstream.
type Response struct {
	StatusCode        int     `json:"statusCode"`
	StatusDescription string  `json:"statusDescription"`
	Headers           Headers `json:"headers"`
}

// Unauthorized is the fixed rejection for a missing or malformed bearer credential.
func Unauthorized() *Response {
	return &Response{
		StatusCode:        401,
		StatusDescription: "Unauthorized",
		Headers: Headers{
			"www-authenticate": {Value: "Bearer"},
		},
	}
}

// RejectReason says why a request was turned away.
type RejectReason string

const (
	ReasonNone    RejectReason = ""
	ReasonMissing RejectReason = "missing"
	ReasonScheme  RejectReason = "scheme"
)

// Result carries exactly one of Request (forward upstream) or Response
// (answer directly).
type Result struct {
	Request  *Request
	Response *Response
	Reason   RejectReason
}

// Rejected reports whether the result is a short-circuit response.
func (r Result) Rejected() bool { return r.Response != nil }

func forward(req Request) Result { return Result{Request: &req} }

func reject(reason RejectReason) Result {
	return Result{Response: Unauthorized(), Reason: reason}
}

// BearerPrefix is the only credential shape accepted. Case matters.
const BearerPrefix = "Bearer "

// HasBearer reports whether v has the bearer shape. The token after the
// prefix may be empty; its validity is the upstream's business.
func HasBearer(v string) bool { return strings.HasPrefix(v, BearerPrefix) }
