package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

// ForwardRequest is an inbound request the relay doesn't handle itself.
type ForwardRequest struct {
	Method   string
	Path     string // escaped path with its leading slash, e.g. "/v1/models"
	RawQuery string
	Body     []byte
}

// ForwardResponse is the upstream's answer, relayed as-is.
type ForwardResponse struct {
	StatusCode int
	Body       []byte // a JSON document, or empty
}

// PassThrough forwards everything except chat completions: one attempt,
// short timeout, no retry, no reshaping.
type PassThrough struct {
	factory *Factory
}

// NewPassThrough creates a forwarder using clients from factory.
func NewPassThrough(factory *Factory) *PassThrough {
	return &PassThrough{factory: factory}
}

// Forward sends req to the upstream exactly once with the relay's credential.
// Any failure comes back as a *PassThroughError.
func (p *PassThrough) Forward(ctx context.Context, req ForwardRequest) (*ForwardResponse, error) {
	client, err := p.factory.NewPassThrough()
	if err != nil {
		return nil, newPassThroughError(req.Path, err)
	}
	defer client.Close()

	url := client.baseURL + req.Path
	if req.RawQuery != "" {
		url += "?" + req.RawQuery
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, newPassThroughError(req.Path, fmt.Errorf("creating request: %w", err))
	}
	client.authorize(httpReq)

	httpResp, err := client.http.Do(httpReq)
	if err != nil {
		return nil, newPassThroughError(req.Path, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, newPassThroughError(req.Path, fmt.Errorf("reading response: %w", err))
	}

	// The contract is "status plus the parsed JSON document". An empty
	// body (e.g. a 204) has nothing to parse and is relayed as empty.
	if len(bytes.TrimSpace(respBody)) > 0 && !gjson.ValidBytes(respBody) {
		return nil, newPassThroughError(req.Path,
			errors.New("upstream returned a body that is not JSON"))
	}

	return &ForwardResponse{StatusCode: httpResp.StatusCode, Body: respBody}, nil
}
