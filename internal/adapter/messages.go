package adapter

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/ikermy/rendezvous-proxy/internal/envelope"
)

// Messages is the Claude-shaped Messages adapter. The wire types below
// are plain structs covering just the fields this proxy reads and writes.
type Messages struct{}

var _ Adapter = Messages{}

type messagesRequest struct {
	Model    string            `json:"model"`
	Messages []messagesMessage `json:"messages"`
	Stream   bool              `json:"stream,omitempty"`
}

type messagesMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Role       string                 `json:"role"`
	Model      string                 `json:"model"`
	Content    []messagesContentBlock `json:"content"`
	StopReason string                 `json:"stop_reason"`
}

type messagesContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (Messages) Decode(raw []byte) (envelope.Request, *envelope.Error) {
	var req messagesRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return envelope.Request{}, envelope.New(envelope.KindSchemaError, "decode_failed", "cannot decode messages request: %v", err)
	}

	if req.Model == "" {
		return envelope.Request{}, envelope.New(envelope.KindInvalidRequest, "empty_session_id", "model field (session id) is required")
	}

	utterance, ok := lastUserMessagesEntry(req.Messages)
	if !ok {
		return envelope.Request{}, envelope.New(envelope.KindInvalidRequest, "no_user_message", "messages array has no user-role entry")
	}

	return envelope.Request{
		SessionID: req.Model,
		Utterance: utterance,
		Stream:    req.Stream,
	}, nil
}

func lastUserMessagesEntry(msgs []messagesMessage) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			if msgs[i].Content == "" {
				return "", false
			}
			return msgs[i].Content, true
		}
	}
	return "", false
}

func (Messages) EncodeResponse(w http.ResponseWriter, sessionID string, resp envelope.Response) {
	out := messagesResponse{
		ID:    "msg_" + uuid.NewString(),
		Type:  "message",
		Role:  "assistant",
		Model: sessionID,
		Content: []messagesContentBlock{{
			Type: "text",
			Text: resp.Utterance,
		}},
		StopReason: "end_turn",
	}
	w.Header().Set("Content-Type", "application/json")
	_ = writeJSON(w, out)
}

// streaming event shapes mirroring the Claude Messages event stream:
// message_start, content_block_start, content_block_delta,
// content_block_stop, message_delta, message_stop.
type messageStartEvent struct {
	Type    string `json:"type"`
	Message struct {
		ID      string                 `json:"id"`
		Type    string                 `json:"type"`
		Role    string                 `json:"role"`
		Model   string                 `json:"model"`
		Content []messagesContentBlock `json:"content"`
	} `json:"message"`
}

type contentBlockStartEvent struct {
	Type         string               `json:"type"`
	Index        int                  `json:"index"`
	ContentBlock messagesContentBlock `json:"content_block"`
}

type contentBlockDeltaEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type contentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type messageDeltaEvent struct {
	Type  string `json:"type"`
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
}

type messageStopEvent struct {
	Type string `json:"type"`
}

func (Messages) EncodeStream(w http.ResponseWriter, flusher http.Flusher, sessionID string, resp envelope.Response) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeEvent := func(event string, payload interface{}) {
		b, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
		flusher.Flush()
	}

	start := messageStartEvent{Type: "message_start"}
	start.Message.ID = "msg_" + uuid.NewString()
	start.Message.Type = "message"
	start.Message.Role = "assistant"
	start.Message.Model = sessionID
	start.Message.Content = []messagesContentBlock{}
	writeEvent("message_start", start)

	writeEvent("content_block_start", contentBlockStartEvent{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: messagesContentBlock{Type: "text", Text: ""},
	})

	for _, tok := range splitTokens(resp.Utterance) {
		delta := contentBlockDeltaEvent{Type: "content_block_delta", Index: 0}
		delta.Delta.Type = "text_delta"
		delta.Delta.Text = tok
		writeEvent("content_block_delta", delta)
	}

	writeEvent("content_block_stop", contentBlockStopEvent{Type: "content_block_stop", Index: 0})

	msgDelta := messageDeltaEvent{Type: "message_delta"}
	msgDelta.Delta.StopReason = "end_turn"
	writeEvent("message_delta", msgDelta)

	writeEvent("message_stop", messageStopEvent{Type: "message_stop"})
}

func (Messages) EncodeError(w http.ResponseWriter, err *envelope.Error) {
	writeError(w, err)
}
