package adapter

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/ikermy/rendezvous-proxy/internal/envelope"
)

// Chat is the OpenAI-shaped Chat-Completions adapter. It decodes/encodes
// using go-openai's own wire types (ChatCompletionRequest,
// ChatCompletionResponse, ChatCompletionStreamResponse) — this proxy speaks
// the exact JSON shape the library's own client sends and parses, without
// ever calling OpenAI.
type Chat struct{}

var _ Adapter = Chat{}

func (Chat) Decode(raw []byte) (envelope.Request, *envelope.Error) {
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return envelope.Request{}, envelope.New(envelope.KindSchemaError, "decode_failed", "cannot decode chat completion request: %v", err)
	}

	if req.Model == "" {
		return envelope.Request{}, envelope.New(envelope.KindInvalidRequest, "empty_session_id", "model field (session id) is required")
	}

	utterance, ok := lastUserMessage(req.Messages)
	if !ok {
		return envelope.Request{}, envelope.New(envelope.KindInvalidRequest, "no_user_message", "messages array has no user-role entry")
	}

	return envelope.Request{
		SessionID: req.Model,
		Utterance: utterance,
		Stream:    req.Stream,
	}, nil
}

func lastUserMessage(msgs []openai.ChatCompletionMessage) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == openai.ChatMessageRoleUser {
			if msgs[i].Content == "" {
				return "", false
			}
			return msgs[i].Content, true
		}
	}
	return "", false
}

func (Chat) EncodeResponse(w http.ResponseWriter, sessionID string, resp envelope.Response) {
	out := openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   sessionID,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: resp.Utterance,
			},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = writeJSON(w, out)
}

func (Chat) EncodeStream(w http.ResponseWriter, flusher http.Flusher, sessionID string, resp envelope.Response) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	writeChunk := func(delta openai.ChatCompletionStreamChoiceDelta, finish openai.FinishReason) {
		chunk := openai.ChatCompletionStreamResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   sessionID,
			Choices: []openai.ChatCompletionStreamChoice{{
				Index:        0,
				Delta:        delta,
				FinishReason: finish,
			}},
		}
		b, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}

	writeChunk(openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant}, "")

	for _, tok := range splitTokens(resp.Utterance) {
		writeChunk(openai.ChatCompletionStreamChoiceDelta{Content: tok}, "")
	}

	writeChunk(openai.ChatCompletionStreamChoiceDelta{}, openai.FinishReasonStop)

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (Chat) EncodeError(w http.ResponseWriter, err *envelope.Error) {
	writeError(w, err)
}
