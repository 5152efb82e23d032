package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tmaxmax/go-sse"
)

// ChatCompletionsPath is the one endpoint the relay handles itself.
const ChatCompletionsPath = "/v1/chat/completions"

// doneSentinel is the data payload OpenAI sends as its stream-end signal.
const doneSentinel = "[DONE]"

// maxEventSize caps a single SSE event. Chat chunks are tiny; anything this
// large is a broken stream, not a chunk.
const maxEventSize = 4 << 20

// errorBodyLimit bounds how much of an error response we read into memory.
const errorBodyLimit = 16 << 10

// OpenAI implements Collector for the OpenAI chat-completions API. It keeps
// no state of its own; everything per-call lives in Collect's locals.
type OpenAI struct{}

// NewOpenAI creates the OpenAI collector.
func NewOpenAI() *OpenAI {
	return &OpenAI{}
}

// Name returns the provider identifier.
func (o *OpenAI) Name() string {
	return "openai"
}

// Collect sends spec to {baseURL}/v1/chat/completions as a streaming call
// and reads the SSE response to the end.
//
// For every chunk:
//   - a non-empty id, model or created overwrites the running metadata
//     (some upstreams only fill these on the first or last chunk)
//   - a usage object overwrites the running usage snapshot
//   - choices[0].delta.content is appended to the text buffer
//
// The stream ends at "data: [DONE]" or when the upstream closes the
// connection. A read failure, an error event or a malformed event fails
// the whole call and nothing collected so far is returned.
func (o *OpenAI) Collect(ctx context.Context, client *Client, spec CallSpec) (*CollectedResult, error) {
	// Step 1: Build the request. Accept tells any middlebox that this is a
	// long-lived event stream, which keeps bytes moving on the wire.
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		client.baseURL+ChatCompletionsPath, bytes.NewReader(spec.Body()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	client.authorize(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	// Step 2: Make the HTTP call. The body is closed on every exit path.
	httpResp, err := client.http.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "sending request", Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, protocolErrorFromResponse(httpResp)
	}

	// Some upstreams fall back to a plain JSON body when they reject the
	// stream flag. That isn't something we can reassemble.
	if ct := httpResp.Header.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "text/event-stream") {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, errorBodyLimit))
		return nil, &ProtocolError{
			StatusCode: httpResp.StatusCode,
			Message:    fmt.Sprintf("expected text/event-stream, got %q: %s", ct, body),
		}
	}

	// Step 3: Consume the event sequence. The accumulator is local to this
	// call, so a failure below simply drops it.
	var acc accumulator
	readCfg := &sse.ReadConfig{MaxEventSize: maxEventSize}
	for ev, err := range sse.Read(httpResp.Body, readCfg) {
		if err != nil {
			return nil, &TransportError{Op: "reading stream", Err: err}
		}
		if ev.Data == "" {
			continue
		}
		if strings.TrimSpace(ev.Data) == doneSentinel {
			break
		}
		if err := acc.add(ev.Data); err != nil {
			return nil, err
		}
	}

	// A cancelled context can surface as a clean end of the body on some
	// transports; never hand back a result for an abandoned call.
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "reading stream", Err: err}
	}

	return acc.result(), nil
}

// accumulator reduces chunk payloads into a CollectedResult.
type accumulator struct {
	id      string
	model   string
	created int64
	usage   *Usage
	text    strings.Builder
}

// add folds one chunk's JSON payload into the running state.
func (a *accumulator) add(data string) error {
	if !gjson.Valid(data) {
		return &ProtocolError{Message: fmt.Sprintf("malformed stream event: %.200s", data)}
	}
	chunk := gjson.Parse(data)

	// Upstreams may report a failure as an event inside a 200 stream.
	if e := chunk.Get("error"); e.IsObject() {
		return &ProtocolError{
			Type:    e.Get("type").String(),
			Message: e.Get("message").String(),
		}
	}

	// Last non-empty value wins for each metadata field.
	if v := chunk.Get("id").String(); v != "" {
		a.id = v
	}
	if v := chunk.Get("model").String(); v != "" {
		a.model = v
	}
	if v := chunk.Get("created").Int(); v != 0 {
		a.created = v
	}

	if u := chunk.Get("usage"); u.IsObject() {
		a.usage = &Usage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}
	}

	if content := chunk.Get("choices.0.delta.content").String(); content != "" {
		a.text.WriteString(content)
	}
	return nil
}

func (a *accumulator) result() *CollectedResult {
	return &CollectedResult{
		ID:      a.id,
		Model:   a.model,
		Created: a.created,
		Text:    a.text.String(),
		Usage:   a.usage,
	}
}

// protocolErrorFromResponse turns a non-2xx upstream response into a
// ProtocolError, pulling message and type out of OpenAI's error envelope
// when the body has one.
func protocolErrorFromResponse(resp *http.Response) *ProtocolError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	pe := &ProtocolError{StatusCode: resp.StatusCode}

	if e := gjson.GetBytes(body, "error"); e.IsObject() {
		pe.Type = e.Get("type").String()
		pe.Message = e.Get("message").String()
	}
	if pe.Message == "" {
		pe.Message = strings.TrimSpace(string(body))
	}
	if pe.Message == "" {
		pe.Message = http.StatusText(resp.StatusCode)
	}
	return pe
}
