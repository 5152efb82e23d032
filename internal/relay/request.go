// Package relay is the request-relaying engine: it turns one inbound chat
// completion request into a bounded series of independent streaming
// attempts against the upstream and returns the first complete result.
package relay

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/howard-nolan/streamrelay/internal/provider"
)

// ErrInvalidRequest marks an inbound body the relay can't work with.
var ErrInvalidRequest = errors.New("invalid request body")

// Request is a parsed inbound chat-completion request. It is not modified
// after parsing.
type Request struct {
	Method      string
	Path        string
	ContentType string
	Body        []byte // raw JSON exactly as received

	Model      string // for logs only; the body is what gets forwarded
	WantStream bool   // what the caller asked for; upstream always streams
}

// ParseRequest reads and validates r's body.
func ParseRequest(r *http.Request) (*Request, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrInvalidRequest, err)
	}
	return NewRequest(r.Method, r.URL.Path, r.Header.Get("Content-Type"), body)
}

// NewRequest builds a Request from its parts. The body must be a JSON
// object; "stream" defaults to false when absent.
func NewRequest(method, path, contentType string, body []byte) (*Request, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidRequest)
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrInvalidRequest)
	}

	return &Request{
		Method:      method,
		Path:        path,
		ContentType: contentType,
		Body:        body,
		Model:       doc.Get("model").String(),
		WantStream:  doc.Get("stream").Bool(),
	}, nil
}

// CallSpec derives a fresh upstream call spec from the pristine body.
// The relay calls it once per attempt.
func (r *Request) CallSpec() (provider.CallSpec, error) {
	return provider.NewCallSpec(r.Body)
}
