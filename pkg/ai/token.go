package ai

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"go.uber.org/zap"

	"github.com/ngoyal88/meterproxy/pkg/logging"
)

// DefaultEncoding is the BPE used for every supported chat model family.
const DefaultEncoding = "cl100k_base"

// ErrUnsupportedModel is returned by CountMessages for model identifiers
// outside every known family.
var ErrUnsupportedModel = errors.New("unsupported model")

func init() {
	// Ship the BPE ranks inside the binary instead of fetching them at
	// first use.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Tokenizer counts sub-word tokens in a piece of text.
type Tokenizer interface {
	Count(text string) int
}

// TiktokenTokenizer is a Tokenizer backed by a tiktoken encoding.
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding (e.g. cl100k_base).
func NewTiktoken(encoding string) (*TiktokenTokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

func (t *TiktokenTokenizer) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// framing is the per-model chat overhead.
type framing struct {
	perMessage int
	perName    int
}

const (
	legacyChatModel = "gpt-3.5-turbo-0301"
	latestGPT35     = "gpt-3.5-turbo-0613"
	latestGPT4      = "gpt-4-0613"

	// every reply is primed with <|start|>assistant<|message|>
	replyPriming = 3
)

var framings = map[string]framing{
	legacyChatModel:          {perMessage: 4, perName: -1},
	"gpt-3.5-turbo-0613":     {perMessage: 3, perName: 1},
	"gpt-3.5-turbo-16k-0613": {perMessage: 3, perName: 1},
	"gpt-4-0314":             {perMessage: 3, perName: 1},
	"gpt-4-32k-0314":         {perMessage: 3, perName: 1},
	"gpt-4-0613":             {perMessage: 3, perName: 1},
	"gpt-4-32k-0613":         {perMessage: 3, perName: 1},
}

// families maps a model prefix to the variant used for unknown members.
// Order matters: the first matching prefix wins.
var families = []struct {
	prefix string
	latest string
}{
	{prefix: "gpt-3.5-turbo", latest: latestGPT35},
	{prefix: "gpt-4", latest: latestGPT4},
}

// Accountant counts prompt and completion tokens.
type Accountant struct {
	tok Tokenizer
	log *zap.Logger
}

// NewAccountant wraps a tokenizer. A nil logger discards fallback warnings.
func NewAccountant(tok Tokenizer, log *zap.Logger) *Accountant {
	return &Accountant{tok: tok, log: logging.OrNop(log)}
}

// CountText returns the token count of free text.
func (a *Accountant) CountText(text string) int {
	if text == "" {
		return 0
	}
	return a.tok.Count(text)
}

// CountMessages returns the prompt token count of a chat conversation
// under the framing rules of model.
func (a *Accountant) CountMessages(messages []Message, model string) (int, error) {
	f, err := a.framingFor(model)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, m := range messages {
		total += f.perMessage
		total += a.CountText(m.Role)
		total += a.CountText(string(m.Content))
		if m.Name != nil {
			total += a.CountText(*m.Name)
			total += f.perName
		}
	}
	return total + replyPriming, nil
}

// CountPrompt counts the prompt of a request: chat messages when present,
// otherwise the text-completion prompt plus any pre-tokenized ids.
func (a *Accountant) CountPrompt(req ChatRequest) (int, error) {
	if len(req.Messages) > 0 {
		return a.CountMessages(req.Messages, req.Model)
	}
	n := req.PromptTokenIDs
	if req.Prompt != nil {
		n += a.CountText(string(*req.Prompt))
	}
	return n, nil
}

func (a *Accountant) framingFor(model string) (framing, error) {
	if f, ok := framings[model]; ok {
		return f, nil
	}
	for _, fam := range families {
		if strings.HasPrefix(model, fam.prefix) {
			a.log.Warn("unknown model variant, using family default",
				zap.String("model", model),
				zap.String("assumed", fam.latest))
			return framings[fam.latest], nil
		}
	}
	return framing{}, fmt.Errorf("%w: %q", ErrUnsupportedModel, model)
}
