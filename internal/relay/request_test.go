package relay

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantErr    bool
		wantStream bool
		wantModel  string
	}{
		{name: "stream true", body: `{"model":"gpt-4","stream":true}`, wantStream: true, wantModel: "gpt-4"},
		{name: "stream false", body: `{"model":"gpt-4","stream":false}`, wantModel: "gpt-4"},
		{name: "stream absent", body: `{"model":"gpt-4o"}`, wantModel: "gpt-4o"},
		{name: "no model", body: `{"messages":[]}`},
		{name: "not json", body: `model=gpt-4`, wantErr: true},
		{name: "json array", body: `[{"model":"gpt-4"}]`, wantErr: true},
		{name: "empty", body: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", "application/json")

			req, err := ParseRequest(r)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidRequest))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStream, req.WantStream)
			assert.Equal(t, tt.wantModel, req.Model)
			assert.Equal(t, "POST", req.Method)
			assert.Equal(t, "/v1/chat/completions", req.Path)
			assert.Equal(t, "application/json", req.ContentType)
			assert.Equal(t, tt.body, string(req.Body))
		})
	}
}

func TestRequest_CallSpecLeavesBodyAlone(t *testing.T) {
	body := `{"model":"gpt-4","stream":false,"temperature":0.2,"x_vendor":{"a":1}}`
	req := mustRequest(t, body)

	spec, err := req.CallSpec()
	require.NoError(t, err)

	out := spec.Body()
	assert.True(t, gjson.GetBytes(out, "stream").Bool())
	assert.Equal(t, 0.2, gjson.GetBytes(out, "temperature").Float())
	assert.Equal(t, int64(1), gjson.GetBytes(out, "x_vendor.a").Int(), "unknown fields forwarded")

	assert.Equal(t, body, string(req.Body), "original body untouched")
	assert.False(t, req.WantStream)
}
