// Package adapter implements the protocol adapter layer: a pair of pure
// decode/encode functions tying one wire format to the internal envelope,
// plus an SSE streaming encoder per adapter.
//
// The Chat adapter is built on github.com/sashabaranov/go-openai's wire
// types: this proxy speaks the exact JSON shape the library's own client
// sends and parses. SSE frames are written directly against net/http's
// Flusher; each response is one finite, ordered event sequence owned by
// the request goroutine, so no stream broker is involved.
package adapter

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ikermy/rendezvous-proxy/internal/envelope"
)

func writeJSON(w http.ResponseWriter, v interface{}) error {
	return json.NewEncoder(w).Encode(v)
}

// Adapter is a pair of pure functions over one fixed wire format.
type Adapter interface {
	// Decode maps a raw request body into the internal envelope, or
	// returns a schema_error/invalid_request *envelope.Error.
	Decode(raw []byte) (envelope.Request, *envelope.Error)

	// EncodeResponse writes a non-streaming 200 response.
	EncodeResponse(w http.ResponseWriter, sessionID string, resp envelope.Response)

	// EncodeStream writes the SSE event sequence for a streaming request.
	// The single whole utterance is chunked cosmetically, since the peer
	// that produced it was never itself streaming.
	EncodeStream(w http.ResponseWriter, flusher http.Flusher, sessionID string, resp envelope.Response)

	// EncodeError writes the uniform error body with the status the error
	// kind maps to.
	EncodeError(w http.ResponseWriter, err *envelope.Error)
}

// errorBody is the uniform wire shape every adapter's EncodeError emits:
// {"error": {"message", "type", "code"}}.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, err *envelope.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Kind.Status())
	body := errorBody{Error: errorDetail{
		Message: err.Message,
		Type:    err.Kind.String(),
		Code:    err.Code,
	}}
	_ = writeJSON(w, body)
}

// splitTokens splits an utterance into coarse, whitespace-delimited
// segments for cosmetic streaming. Each segment but the last keeps the
// single space that followed it, so concatenating every chunk reproduces
// the original utterance ("alpha beta gamma" -> "alpha ", "beta ",
// "gamma").
func splitTokens(utterance string) []string {
	if utterance == "" {
		return nil
	}
	words := strings.Split(utterance, " ")
	tokens := make([]string, 0, len(words))
	for i, w := range words {
		if i < len(words)-1 {
			tokens = append(tokens, w+" ")
			continue
		}
		if w != "" {
			tokens = append(tokens, w)
		}
	}
	return tokens
}
