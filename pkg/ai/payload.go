package ai

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Content is a message body. Upstream accepts either a plain string or an
// array of typed parts; only text parts contribute to the value. Shapes
// that carry no text decode to the empty string.
type Content string

func (c *Content) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0:
		*c = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = Content(s)
	case b[0] == '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(b, &parts); err != nil {
			return err
		}
		var sb strings.Builder
		for _, raw := range parts {
			var part struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(raw, &part) == nil {
				sb.WriteString(part.Text)
			}
		}
		*c = Content(sb.String())
	default:
		*c = ""
	}
	return nil
}

// Prompt is the text of a text-completion prompt. Upstream accepts a
// string, an array of strings, or pre-tokenized ids; only string
// elements contribute text here, ids are counted by ParseRequest.
type Prompt string

func (p *Prompt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		var sb strings.Builder
		for _, raw := range list {
			var s string
			if json.Unmarshal(raw, &s) == nil {
				sb.WriteString(s)
			}
		}
		*p = Prompt(sb.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*p = Prompt(s)
	return nil
}

// Message is one entry of a chat conversation.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
	Name    *string `json:"name,omitempty"`
}

// ChatRequest is the subset of an inbound request body the proxy reads.
// Everything else is passed upstream untouched.
type ChatRequest struct {
	Model    string
	Messages []Message
	Prompt   *Prompt
	// PromptTokenIDs is the number of pre-tokenized ids in the prompt.
	PromptTokenIDs int
	Stream         bool
}

// ParseRequest decodes the fields of interest from a request body. Each
// field is decoded on its own, so a field of unexpected shape only loses
// itself. Bodies that are not JSON objects yield a zero ChatRequest and
// ok=false.
func ParseRequest(body []byte) (req ChatRequest, ok bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return ChatRequest{}, false
	}

	decodeField(fields, "model", &req.Model)
	decodeField(fields, "stream", &req.Stream)
	if !decodeField(fields, "messages", &req.Messages) {
		req.Messages = nil
	}
	var prompt Prompt
	if decodeField(fields, "prompt", &prompt) {
		req.Prompt = &prompt
	}
	req.PromptTokenIDs = countTokenIDs(fields["prompt"])
	return req, true
}

func decodeField(fields map[string]json.RawMessage, name string, v any) bool {
	raw, ok := fields[name]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

// countTokenIDs counts the ids of a prompt given as an array of token ids
// or an array of such arrays.
func countTokenIDs(raw json.RawMessage) int {
	var list []json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &list) != nil {
		return 0
	}
	n := 0
	for _, el := range list {
		var id float64
		if json.Unmarshal(el, &id) == nil {
			n++
			continue
		}
		var ids []float64
		if json.Unmarshal(el, &ids) == nil {
			n += len(ids)
		}
	}
	return n
}

// Usage is the upstream-reported token usage block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletion is a buffered chat completion response.
type ChatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
}

type ChatChoice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	FinishReason string   `json:"finish_reason"`
}

// TextCompletion is a buffered legacy completion response.
type TextCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Model   string       `json:"model"`
	Choices []TextChoice `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
}

type TextChoice struct {
	Index        int     `json:"index"`
	Text         *string `json:"text,omitempty"`
	FinishReason string  `json:"finish_reason"`
}

// StreamEvent is the payload of one event-stream frame.
type StreamEvent struct {
	ID      string        `json:"id"`
	Model   string        `json:"model"`
	Choices []StreamDelta `json:"choices"`
}

type StreamDelta struct {
	Index int `json:"index"`
	Delta struct {
		Role    string  `json:"role,omitempty"`
		Content *string `json:"content,omitempty"`
	} `json:"delta"`
	// Text carries the fragment of a streamed text completion.
	Text         *string `json:"text,omitempty"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

// DeltaContent returns choices[0].delta.content, or choices[0].text for
// text-completion streams, when present.
func (e StreamEvent) DeltaContent() (string, bool) {
	if len(e.Choices) == 0 {
		return "", false
	}
	c := e.Choices[0]
	switch {
	case c.Delta.Content != nil:
		return *c.Delta.Content, true
	case c.Text != nil:
		return *c.Text, true
	}
	return "", false
}

// CompletionKind tells which response variant a body decoded as.
type CompletionKind int

const (
	KindUnknown CompletionKind = iota
	KindChat
	KindText
)

// Completion is the text extracted from a buffered response body.
type Completion struct {
	Kind CompletionKind
	ID   string
	Text string
}

// ExtractCompletion decodes body as a ChatCompletion, then as a
// TextCompletion, and returns the first choice's text.
func ExtractCompletion(body []byte) Completion {
	var chat ChatCompletion
	if err := json.Unmarshal(body, &chat); err == nil && len(chat.Choices) > 0 && chat.Choices[0].Message != nil {
		return Completion{Kind: KindChat, ID: chat.ID, Text: string(chat.Choices[0].Message.Content)}
	}

	var text TextCompletion
	if err := json.Unmarshal(body, &text); err == nil && len(text.Choices) > 0 && text.Choices[0].Text != nil {
		return Completion{Kind: KindText, ID: text.ID, Text: *text.Choices[0].Text}
	}
	return Completion{}
}
