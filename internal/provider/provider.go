// Package provider talks to the upstream chat-completion API.
//
// The relay only knows one upstream shape (OpenAI-compatible), so unlike a
// multi-backend gateway there is no request translation here. The package
// owns three things:
//   - the client factory, which hands out a fresh, disposable connection
//     handle per call (client.go)
//   - the streaming collector, which drives one streaming call and reduces
//     the chunks into a CollectedResult (openai.go)
//   - the pass-through forwarder for every other endpoint (passthrough.go)
package provider

import (
	"bytes"
	"context"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Collector executes exactly one streaming chat-completion call on a
// freshly created client and reduces the stream into a CollectedResult.
//
// Implementations must not return a partial result: either the whole
// stream was consumed and a complete result comes back, or the error is
// non-nil and the result is nil.
type Collector interface {
	// Name returns the upstream identifier, used in logs.
	Name() string

	// Collect runs one attempt. The caller owns client and closes it.
	Collect(ctx context.Context, client *Client, spec CallSpec) (*CollectedResult, error)
}

// ---------------------------------------------------------------------------
// Upstream call spec
// ---------------------------------------------------------------------------

// CallSpec is the body sent upstream: the inbound JSON with "stream"
// forced to true and every other field left byte-for-byte as received.
//
// The bytes are private and Body hands out a copy, so nothing that reads
// a spec (an HTTP request body, a failed attempt) can mutate it for the
// next attempt.
type CallSpec struct {
	body []byte
}

// NewCallSpec derives a CallSpec from the raw inbound request body.
func NewCallSpec(body []byte) (CallSpec, error) {
	if !gjson.ValidBytes(body) {
		return CallSpec{}, fmt.Errorf("request body is not valid JSON")
	}
	// sjson rewrites only the "stream" member (adding it when absent), so
	// fields the relay doesn't know about are forwarded unchanged.
	out, err := sjson.SetBytes(bytes.Clone(body), "stream", true)
	if err != nil {
		return CallSpec{}, fmt.Errorf("forcing stream on: %w", err)
	}
	return CallSpec{body: out}, nil
}

// Body returns a copy of the upstream request body.
func (s CallSpec) Body() []byte {
	return bytes.Clone(s.body)
}

// ---------------------------------------------------------------------------
// Collected result
// ---------------------------------------------------------------------------

// CollectedResult is everything the relay keeps from one successful
// streaming call. It is built by a single Collect invocation and never
// modified after being returned.
type CollectedResult struct {
	ID      string // completion ID; empty if the upstream never sent one
	Model   string // model that actually served the request
	Created int64  // upstream-assigned unix timestamp
	Text    string // ordered concatenation of every content delta

	// Usage is nil unless some chunk carried a usage object (OpenAI only
	// sends one when the client asked for stream_options.include_usage).
	Usage *Usage
}

// Usage holds token count information as reported by the upstream.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
