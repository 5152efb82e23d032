package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sse "github.com/tmaxmax/go-sse"

	"github.com/howard-nolan/streamrelay/internal/provider"
)

// parseSSEEvents splits the raw SSE output into individual data payloads,
// excluding the "data: [DONE]" sentinel.
func parseSSEEvents(body string) []string {
	var events []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			payload := strings.TrimPrefix(line, "data: ")
			if payload != "[DONE]" {
				events = append(events, payload)
			}
		}
	}
	return events
}

func decodeChunk(t *testing.T, payload string) sseChunk {
	t.Helper()
	var c sseChunk
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		t.Fatalf("failed to parse event %q: %v", payload, err)
	}
	return c
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name string
		text string
		size int
		want []string
	}{
		{"empty", "", 20, nil},
		{"shorter than size", "Hello", 20, []string{"Hello"}},
		{"exact multiple", "abcdef", 3, []string{"abc", "def"}},
		{"remainder", "abcdefg", 3, []string{"abc", "def", "g"}},
		{"multibyte", "héllo wörld", 4, []string{"héll", "o wö", "rld"}},
		{"emoji", "🙂🙂🙂", 2, []string{"🙂🙂", "🙂"}},
		{"zero size uses default", strings.Repeat("x", 25), 0, []string{strings.Repeat("x", 20), "xxxxx"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.text, tt.size)
			if len(got) != len(tt.want) {
				t.Fatalf("Split(%q, %d) = %q, want %q", tt.text, tt.size, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("piece %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
			if strings.Join(got, "") != tt.text {
				t.Errorf("pieces don't reassemble to the input")
			}
		})
	}
}

func TestWrite_ChunksText(t *testing.T) {
	text := strings.Repeat("a", 20) + strings.Repeat("b", 20) + "ccccc" // 45 chars
	res := &provider.CollectedResult{ID: "chatcmpl-1", Model: "gpt-4", Created: 1700000000, Text: text}

	w := httptest.NewRecorder()
	if err := Write(w, res, 20); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/event-stream")
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want %q", cc, "no-cache")
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	body := w.Body.String()
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Error("stream should end with the [DONE] sentinel")
	}

	events := parseSSEEvents(body)
	if len(events) != 4 {
		t.Fatalf("got %d events, want 3 content + 1 finish", len(events))
	}

	wantContent := []string{strings.Repeat("a", 20), strings.Repeat("b", 20), "ccccc"}
	for i, want := range wantContent {
		c := decodeChunk(t, events[i])
		if c.Choices[0].Delta.Content != want {
			t.Errorf("event %d content = %q, want %q", i, c.Choices[0].Delta.Content, want)
		}
		if c.Choices[0].FinishReason != nil {
			t.Errorf("event %d finish_reason = %v, want null", i, *c.Choices[0].FinishReason)
		}
		if c.ID != "chatcmpl-1" || c.Model != "gpt-4" || c.Created != 1700000000 {
			t.Errorf("event %d metadata = %s/%s/%d", i, c.ID, c.Model, c.Created)
		}
		if c.Object != "chat.completion.chunk" {
			t.Errorf("event %d object = %q", i, c.Object)
		}
	}

	last := decodeChunk(t, events[3])
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "stop" {
		t.Error("final event should have finish_reason=stop")
	}
	if !strings.Contains(events[3], `"delta":{}`) {
		t.Errorf("final event delta should be empty object, got %s", events[3])
	}
}

func TestWrite_EmptyText(t *testing.T) {
	w := httptest.NewRecorder()
	if err := Write(w, &provider.CollectedResult{ID: "x", Model: "m"}, 20); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	events := parseSSEEvents(w.Body.String())
	if len(events) != 1 {
		t.Fatalf("got %d events, want only the finish event", len(events))
	}
	if c := decodeChunk(t, events[0]); c.Choices[0].FinishReason == nil {
		t.Error("the only event should be the finish event")
	}
	if !strings.Contains(w.Body.String(), "data: [DONE]") {
		t.Error("missing [DONE] sentinel")
	}
}

// A standards-compliant SSE reader gets back exactly the collected text.
func TestWrite_RoundTrip(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog. Ünïcödé is fine too. 🚀"
	w := httptest.NewRecorder()
	if err := Write(w, &provider.CollectedResult{ID: "rt", Model: "m", Text: text}, 7); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	var got strings.Builder
	sawDone := false
	for ev, err := range sse.Read(strings.NewReader(w.Body.String()), &sse.ReadConfig{MaxEventSize: 1 << 20}) {
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if ev.Data == "[DONE]" {
			sawDone = true
			break
		}
		got.WriteString(decodeChunk(t, ev.Data).Choices[0].Delta.Content)
	}

	if !sawDone {
		t.Error("never saw [DONE]")
	}
	if got.String() != text {
		t.Errorf("reassembled %q, want %q", got.String(), text)
	}
}

// noFlushWriter hides httptest.ResponseRecorder's Flush method.
type noFlushWriter struct{ http.ResponseWriter }

func TestWrite_RequiresFlusher(t *testing.T) {
	w := noFlushWriter{httptest.NewRecorder()}
	if err := Write(w, &provider.CollectedResult{Text: "hi"}, 20); err == nil {
		t.Fatal("expected an error for a writer that can't flush")
	}
}

func TestWriteJSON(t *testing.T) {
	res := &provider.CollectedResult{
		ID:      "chatcmpl-9",
		Model:   "gpt-4o",
		Created: 1718000000,
		Text:    "Hello world",
		Usage:   &provider.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}

	w := httptest.NewRecorder()
	if err := WriteJSON(w, res); err != nil {
		t.Fatalf("WriteJSON returned error: %v", err)
	}

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var doc completion
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if doc.Object != "chat.completion" {
		t.Errorf("object = %q", doc.Object)
	}
	if doc.ID != "chatcmpl-9" || doc.Model != "gpt-4o" || doc.Created != 1718000000 {
		t.Errorf("metadata = %s/%s/%d", doc.ID, doc.Model, doc.Created)
	}
	if len(doc.Choices) != 1 {
		t.Fatalf("got %d choices, want 1", len(doc.Choices))
	}
	ch := doc.Choices[0]
	if ch.Message.Role != "assistant" || ch.Message.Content != "Hello world" {
		t.Errorf("message = %+v", ch.Message)
	}
	if ch.FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", ch.FinishReason)
	}
	if doc.Usage == nil || doc.Usage.TotalTokens != 5 {
		t.Errorf("usage = %+v, want total 5", doc.Usage)
	}
}

func TestWriteJSON_NoUsage(t *testing.T) {
	w := httptest.NewRecorder()
	if err := WriteJSON(w, &provider.CollectedResult{ID: "x", Text: ""}); err != nil {
		t.Fatalf("WriteJSON returned error: %v", err)
	}
	if strings.Contains(w.Body.String(), `"usage"`) {
		t.Errorf("usage should be omitted when unknown: %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"content":""`) {
		t.Errorf("empty content should still be present: %s", w.Body.String())
	}
}
