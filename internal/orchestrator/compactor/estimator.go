// Package compactor implements the two-phase Context Compactor of spec
// §4.5: observation masking, then LLM summarization, triggered when
// estimated prompt tokens cross a threshold fraction of the model's
// context window.
package compactor

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/ghostmesh/ghostmesh/internal/orchestrator/entity"
)

// Estimator approximates a token count from text. Grounded on the
// teacher's runtime/token_estimator.go character-per-token heuristic
// (spec §4.5 "a token is approximated from character length via
// provider-specific heuristics"), enriched with a tiktoken-go-backed
// exact counter for provider families that use a BPE encoding OpenAI
// publishes, since exactness is a bonus, not a requirement.
type Estimator interface {
	EstimateText(s string) int
}

// charEstimator blends ~4 chars/token (English) and ~2 (CJK) down to a
// single ratio, matching the teacher's DefaultCharsPerToken=3.5.
type charEstimator struct {
	charsPerToken float64
}

const defaultCharsPerToken = 3.5
const perMessageOverhead = 4

func newCharEstimator(charsPerToken float64) *charEstimator {
	if charsPerToken <= 0 {
		charsPerToken = defaultCharsPerToken
	}
	return &charEstimator{charsPerToken: charsPerToken}
}

func (e *charEstimator) EstimateText(s string) int {
	if s == "" {
		return 0
	}
	runeCount := 0
	for range s {
		runeCount++
	}
	return int(float64(runeCount)/e.charsPerToken) + 1
}

// tiktokenEstimator wraps a cl100k_base BPE encoding. Loaded lazily and
// cached since building the encoder is not free.
type tiktokenEstimator struct {
	enc      *tiktoken.Tiktoken
	fallback *charEstimator
}

var (
	cl100kOnce sync.Once
	cl100kEnc  *tiktoken.Tiktoken
	cl100kErr  error
)

func loadCl100k() (*tiktoken.Tiktoken, error) {
	cl100kOnce.Do(func() {
		cl100kEnc, cl100kErr = tiktoken.GetEncoding("cl100k_base")
	})
	return cl100kEnc, cl100kErr
}

func newTiktokenEstimator() *tiktokenEstimator {
	enc, err := loadCl100k()
	if err != nil {
		return &tiktokenEstimator{fallback: newCharEstimator(0)}
	}
	return &tiktokenEstimator{enc: enc}
}

func (e *tiktokenEstimator) EstimateText(s string) int {
	if e.enc == nil {
		return e.fallback.EstimateText(s)
	}
	if s == "" {
		return 0
	}
	return len(e.enc.Encode(s, nil, nil))
}

// NewEstimator picks a per-provider-family heuristic: anthropic,
// openai_compatible, and openrouter traffic is usually billed against a
// cl100k-family tokenizer close enough for threshold purposes; gemini
// and kimi_code fall back to the character heuristic.
func NewEstimator(providerKind string) Estimator {
	switch providerKind {
	case "anthropic", "openai_compatible", "openrouter":
		return newTiktokenEstimator()
	default:
		return newCharEstimator(0)
	}
}

// MessageTokens estimates one message's contribution, including a
// framing overhead per message and per tool call (teacher's
// PerMessageOverhead convention).
func MessageTokens(est Estimator, m *entity.Message) int {
	if m == nil {
		return 0
	}
	tokens := perMessageOverhead
	for _, b := range m.Blocks {
		switch b.Type {
		case entity.BlockText:
			tokens += est.EstimateText(b.Text)
		case entity.BlockToolUse:
			tokens += est.EstimateText(b.ToolName) + est.EstimateText(b.ToolInput) + 4
		case entity.BlockToolResult:
			tokens += est.EstimateText(b.ToolOutput) + 4
		case entity.BlockImage, entity.BlockFile:
			tokens += est.EstimateText(b.FileName) + est.EstimateText(b.URL)
		}
	}
	return tokens
}

// HistoryTokens sums MessageTokens over a history slice.
func HistoryTokens(est Estimator, history []*entity.Message) int {
	total := 0
	for _, m := range history {
		total += MessageTokens(est, m)
	}
	return total
}
