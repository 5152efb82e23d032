// Package stream re-emits a fully collected completion to the caller,
// either as a synthetic OpenAI-style SSE stream or as one JSON document.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/howard-nolan/streamrelay/internal/provider"
)

// DefaultChunkSize is how many characters each synthetic content event
// carries.
const DefaultChunkSize = 20

// ---------------------------------------------------------------------------
// OpenAI-compatible response types
// ---------------------------------------------------------------------------

// These structs define the JSON shapes OpenAI-compatible clients expect.
// A streamed response is a series of "chat.completion.chunk" objects:
//
//	data: {"id":"...","object":"chat.completion.chunk","choices":[{"delta":{"content":"Hi"}}]}
//
// and a non-streamed one is a single "chat.completion" object.

// sseChunk is the top-level JSON object in each SSE event.
type sseChunk struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Created int64       `json:"created"`
	Model   string      `json:"model"`
	Choices []sseChoice `json:"choices"`
}

type sseChoice struct {
	Index int      `json:"index"`
	Delta sseDelta `json:"delta"`

	// FinishReason is null on every event except the last. A pointer so
	// nil renders as JSON null rather than "".
	FinishReason *string `json:"finish_reason"`
}

type sseDelta struct {
	// omitempty so the final event sends {"delta":{}}.
	Content string `json:"content,omitempty"`
}

// completion is the non-streaming response document.
type completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   *usage             `json:"usage,omitempty"`
}

type completionChoice struct {
	Index        int     `json:"index"`
	Message      message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

const finishStop = "stop"

// ---------------------------------------------------------------------------
// Chunking
// ---------------------------------------------------------------------------

// Split cuts text into consecutive pieces of at most size characters
// (runes, so multi-byte text is never cut mid-character). Concatenating
// the pieces gives back text exactly. Empty text yields no pieces.
func Split(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if text == "" {
		return nil
	}

	pieces := make([]string, 0, utf8.RuneCountInString(text)/size+1)
	start, n := 0, 0
	for i := range text {
		if n == size {
			pieces = append(pieces, text[start:i])
			start, n = i, 0
		}
		n++
	}
	return append(pieces, text[start:])
}

// ---------------------------------------------------------------------------
// SSE writer
// ---------------------------------------------------------------------------

// Write replays res to w as OpenAI-compatible Server-Sent Events.
//
// This is the last stage of the relay pipeline:
//
//	upstream SSE → Collect() → CollectedResult → Write() → http.ResponseWriter → caller
//
// Unlike a live proxy, nothing here waits on the network: the whole
// completion has already been received, so Write just cuts res.Text into
// fixed-size pieces and emits one "chat.completion.chunk" per piece,
// then a finish event and the [DONE] sentinel.
func Write(w http.ResponseWriter, res *provider.CollectedResult, chunkSize int) error {
	// --- Step 1: Assert that the ResponseWriter supports flushing ---
	//
	// w.(http.Flusher) is a type assertion: the server's ResponseWriter
	// (and chi's WrapResponseWriter around it) also implements Flush(),
	// which pushes each event to the caller now instead of when the
	// buffer fills. The two-value form reports failure instead of
	// panicking.
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	// --- Step 2: Set SSE headers ---
	//
	// Content-Type: text/event-stream identifies the SSE protocol,
	// Cache-Control: no-cache keeps proxies from buffering the stream,
	// and Connection: keep-alive holds the socket open between events.
	// Headers must be set before the first body write locks them in.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Every event repeats the same id, created and model; only the
	// delta and finish_reason change.
	event := sseChunk{
		ID:      res.ID,
		Object:  "chat.completion.chunk",
		Created: res.Created,
		Model:   res.Model,
		Choices: []sseChoice{{Index: 0}},
	}

	// --- Step 3: One content event per piece ---
	//
	// Split counts runes, so a multi-byte character never straddles two
	// events. Empty text produces no content events at all.
	for _, piece := range Split(res.Text, chunkSize) {
		event.Choices[0].Delta = sseDelta{Content: piece}
		if err := writeEvent(w, event); err != nil {
			return err
		}
		flusher.Flush()
	}

	// --- Step 4: The finish event ---
	//
	// An empty delta ({"delta":{}}) with finish_reason "stop", matching
	// what OpenAI sends as the last chunk of a stream.
	reason := finishStop
	event.Choices[0].Delta = sseDelta{}
	event.Choices[0].FinishReason = &reason
	if err := writeEvent(w, event); err != nil {
		return err
	}

	// --- Step 5: Send the [DONE] sentinel ---
	//
	// Not JSON; OpenAI SDKs stop reading when they see it.
	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("writing SSE done marker: %w", err)
	}
	flusher.Flush()
	return nil
}

func writeEvent(w http.ResponseWriter, event sseChunk) error {
	jsonBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling SSE chunk: %w", err)
	}
	// "\n\n" terminates an SSE event.
	if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonBytes); err != nil {
		return fmt.Errorf("writing SSE event: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// JSON writer
// ---------------------------------------------------------------------------

// WriteJSON writes res as a single "chat.completion" document with one
// assistant message holding the full text.
func WriteJSON(w http.ResponseWriter, res *provider.CollectedResult) error {
	doc := completion{
		ID:      res.ID,
		Object:  "chat.completion",
		Created: res.Created,
		Model:   res.Model,
		Choices: []completionChoice{{
			Index:        0,
			Message:      message{Role: "assistant", Content: res.Text},
			FinishReason: finishStop,
		}},
	}
	if res.Usage != nil {
		doc.Usage = &usage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		}
	}

	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling completion: %w", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(jsonBytes); err != nil {
		return fmt.Errorf("writing completion: %w", err)
	}
	return nil
}
