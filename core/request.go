package core

import (
	"encoding/json"
	"net/http"
	"net/url"
)

// RawBody is a request payload sent as-is. No Content-Type is added for it,
// so multipart callers set the boundary-bearing header themselves.
type RawBody []byte

// ProtectedRequest describes one call to a protected endpoint.
//
// Body is nil for no body, a RawBody or io.Reader for binary payloads, and
// any other value is encoded as JSON.
type ProtectedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   any
}

// Response is a successful (2xx) response with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}
