package gateway

import (
	"bytes"
	"encoding/json"
	"strings"
)

// usageCounts is the token metadata shape shared by the OpenAI-compatible
// response families.
type usageCounts struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type usagePayload struct {
	Model string       `json:"model"`
	Usage *usageCounts `json:"usage"`
}

// usageTracker accumulates token counts from a response body as it streams
// through the forwarder. It understands both plain JSON responses and SSE
// streams, where the counts arrive in the final data chunk.
type usageTracker struct {
	sse bool

	buf     bytes.Buffer // plain JSON: bounded capture; SSE: current partial line
	model   string
	in, out int64
	found   bool
}

// jsonCaptureLimit bounds how much of a non-streaming body is retained for
// usage extraction. Responses past the limit simply record zero tokens.
const jsonCaptureLimit = 1 << 20

func newUsageTracker(contentType string) *usageTracker {
	return &usageTracker{sse: strings.Contains(contentType, "text/event-stream")}
}

// observe feeds a chunk of the response body through the tracker.
func (t *usageTracker) observe(p []byte) {
	if !t.sse {
		if t.buf.Len() < jsonCaptureLimit {
			t.buf.Write(p)
		}
		return
	}

	t.buf.Write(p)
	for {
		raw := t.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return
		}
		line := make([]byte, idx)
		copy(line, raw[:idx])
		t.buf.Next(idx + 1)
		t.observeLine(bytes.TrimRight(line, "\r"))
	}
}

func (t *usageTracker) observeLine(line []byte) {
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
		return
	}
	t.apply(data)
}

func (t *usageTracker) apply(data []byte) {
	var payload usagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	if payload.Model != "" {
		t.model = payload.Model
	}
	if payload.Usage != nil {
		t.in = payload.Usage.PromptTokens
		t.out = payload.Usage.CompletionTokens
		t.found = true
	}
}

// finish resolves the accumulated counts. Zero counts with found=false mean
// the upstream omitted usage metadata; they are recorded as legitimate
// zeros, never estimated.
func (t *usageTracker) finish() (model string, tokensIn, tokensOut int64) {
	if !t.sse && t.buf.Len() > 0 {
		t.apply(t.buf.Bytes())
	}
	return t.model, t.in, t.out
}
