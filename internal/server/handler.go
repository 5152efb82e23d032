package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/howard-nolan/streamrelay/internal/logging"
	"github.com/howard-nolan/streamrelay/internal/provider"
	"github.com/howard-nolan/streamrelay/internal/relay"
	"github.com/howard-nolan/streamrelay/internal/stream"
)

// Error types used in the OpenAI-style error envelope.
const (
	errTypeRelay          = "relay_error"
	errTypePassThrough    = "passthrough_error"
	errTypeInvalidRequest = "invalid_request_error"
)

// errorBody is the OpenAI-shaped error document:
//
//	{"error": {"message": "...", "type": "relay_error"}}
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Message: msg, Type: errType}})
}

// handleHealth is a local liveness probe; it is never forwarded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
	})
}

// handleChatCompletions relays one chat completion: the upstream is always
// streamed and fully collected, then the result is replayed in whichever
// shape the caller asked for.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	req, err := relay.ParseRequest(r)
	if err != nil {
		logging.WithRequest(s.log, r, nil).WithError(err).Warn("rejecting chat completion request")
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, err.Error())
		return
	}

	// r.Context() is cancelled when the caller disconnects, which stops the
	// in-flight attempt and any pending retry delay.
	res, err := s.relay.Do(r.Context(), req)
	if err != nil {
		var exhausted *relay.ExhaustedError
		switch {
		case errors.As(err, &exhausted):
			writeError(w, http.StatusBadGateway, errTypeRelay, err.Error())
		case r.Context().Err() != nil:
			// Nobody is listening any more.
		default:
			logging.WithRequest(s.log, r, nil).WithError(err).Error("relay failed")
			writeError(w, http.StatusBadGateway, errTypeRelay, err.Error())
		}
		return
	}

	entry := logging.WithRequest(s.log, r, logrus.Fields{"stream": req.WantStream})
	if req.WantStream {
		err = stream.Write(w, res, s.cfg.Relay.ChunkSize)
	} else {
		err = stream.WriteJSON(w, res)
	}
	if err != nil {
		// Headers are already out; all we can do is note it.
		entry.WithError(err).Warn("writing response to caller")
	}
}

// handlePassThrough forwards any request the relay doesn't handle itself,
// once, and hands back whatever the upstream said.
func (s *Server) handlePassThrough(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "reading request body: "+err.Error())
		return
	}

	resp, err := s.passThrough.Forward(r.Context(), provider.ForwardRequest{
		Method:   r.Method,
		Path:     r.URL.EscapedPath(),
		RawQuery: r.URL.RawQuery,
		Body:     body,
	})
	if err != nil {
		var pe *provider.PassThroughError
		status := http.StatusBadGateway
		if errors.As(err, &pe) {
			status = pe.StatusCode
		}
		s.metrics.PassThrough(0)
		logging.WithRequest(s.log, r, logrus.Fields{"status": status}).WithError(err).Error("pass-through failed")
		writeError(w, status, errTypePassThrough, err.Error())
		return
	}

	s.metrics.PassThrough(resp.StatusCode)
	logging.WithRequest(s.log, r, logrus.Fields{"upstream_status": resp.StatusCode}).Debug("passed through")

	if len(resp.Body) > 0 {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}
