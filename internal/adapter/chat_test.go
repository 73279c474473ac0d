package adapter

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ikermy/rendezvous-proxy/internal/envelope"
)

func TestChatDecodeLastUserMessage(t *testing.T) {
	body := `{
		"model": "s1",
		"messages": [
			{"role": "system", "content": "be nice"},
			{"role": "user", "content": "first"},
			{"role": "assistant", "content": "ack"},
			{"role": "user", "content": "second"}
		],
		"temperature": 0.9
	}`

	req, err := Chat{}.Decode([]byte(body))
	require.Nil(t, err)
	require.Equal(t, "s1", req.SessionID)
	require.Equal(t, "second", req.Utterance, "only the last user-role message is the utterance; earlier history and unknown fields are ignored")
	require.False(t, req.Stream)
}

func TestChatDecodeEmptySessionID(t *testing.T) {
	body := `{"model":"","messages":[{"role":"user","content":"hi"}]}`
	_, err := Chat{}.Decode([]byte(body))
	require.NotNil(t, err)
	require.Equal(t, envelope.KindInvalidRequest, err.Kind)
}

func TestChatDecodeNoUserMessage(t *testing.T) {
	body := `{"model":"s1","messages":[{"role":"system","content":"hi"}]}`
	_, err := Chat{}.Decode([]byte(body))
	require.NotNil(t, err)
	require.Equal(t, envelope.KindInvalidRequest, err.Kind)
}

func TestChatDecodeMalformedJSON(t *testing.T) {
	_, err := Chat{}.Decode([]byte(`{not json`))
	require.NotNil(t, err)
	require.Equal(t, envelope.KindSchemaError, err.Kind)
}

// TestChatRoundTrip checks that encode(decode(x)) preserves the session id
// and the chosen user utterance.
func TestChatRoundTrip(t *testing.T) {
	in := envelope.Request{SessionID: "s1", Utterance: "hello there", Stream: false}

	rec := httptest.NewRecorder()
	Chat{}.EncodeResponse(rec, in.SessionID, envelope.Response{Utterance: in.Utterance, FinishReason: "stop"})

	var out struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
				Role    string `json:"role"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, in.SessionID, out.Model)
	require.Len(t, out.Choices, 1)
	require.Equal(t, in.Utterance, out.Choices[0].Message.Content)
	require.Equal(t, "assistant", out.Choices[0].Message.Role)
	require.Equal(t, "stop", out.Choices[0].FinishReason)

	// decode(encode(r)) preserves the utterance in r: build a fresh request
	// carrying this response's utterance as the user's next message and
	// confirm it survives the trip back through Decode.
	reqBody, _ := json.Marshal(map[string]interface{}{
		"model":    in.SessionID,
		"messages": []map[string]string{{"role": "user", "content": in.Utterance}},
	})
	decodedReq, decErr := Chat{}.Decode(reqBody)
	require.Nil(t, decErr)
	require.Equal(t, in.Utterance, decodedReq.Utterance)
	require.Equal(t, in.SessionID, decodedReq.SessionID)
}

// TestChatEncodeStreamSplitsOnWhitespace checks that "alpha beta gamma" is
// emitted as three chunk deltas "alpha ", "beta ", "gamma", a
// finish_reason:"stop" chunk, and a [DONE] terminator.
func TestChatEncodeStreamSplitsOnWhitespace(t *testing.T) {
	rec := httptest.NewRecorder()
	flusher := rec

	Chat{}.EncodeStream(rec, flusher, "s1", envelope.Response{Utterance: "alpha beta gamma", FinishReason: "stop"})

	body := rec.Body.String()
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	lines := extractDataLines(body)
	require.True(t, len(lines) >= 5, "role-delta, 3 content deltas, finish chunk, and [DONE]")
	require.Equal(t, "[DONE]", lines[len(lines)-1])

	var deltas []string
	for _, l := range lines[:len(lines)-1] {
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		require.NoError(t, json.Unmarshal([]byte(l), &chunk))
		if chunk.Choices[0].Delta.Content != "" {
			deltas = append(deltas, chunk.Choices[0].Delta.Content)
		}
	}
	require.Equal(t, []string{"alpha ", "beta ", "gamma"}, deltas)
	require.Equal(t, "alpha beta gamma", strings.Join(deltas, ""))
}

func extractDataLines(sse string) []string {
	var out []string
	for _, block := range strings.Split(sse, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if strings.HasPrefix(block, "data: ") {
			out = append(out, strings.TrimPrefix(block, "data: "))
		}
	}
	return out
}

var _ http.Flusher = (*httptest.ResponseRecorder)(nil)
