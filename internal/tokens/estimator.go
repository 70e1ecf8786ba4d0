// Package tokens estimates token usage locally when the upstream does not
// report it.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/assistd/internal/domain"
)

// Chat framing overhead, per OpenAI's counting guide.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	replyPriming     = 3
)

// Estimator counts tokens with tiktoken encodings. Codecs are loaded once
// per encoding and shared; an Estimator is safe for concurrent use.
type Estimator struct {
	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec

	// CharsPerToken is used when no codec can be loaded.
	CharsPerToken float64
}

// NewEstimator creates an estimator with an empty codec cache.
func NewEstimator() *Estimator {
	return &Estimator{
		codecs:        make(map[tokenizer.Encoding]tokenizer.Codec),
		CharsPerToken: 4.0,
	}
}

// Count returns the number of tokens in text for model. It never fails;
// when the encoding is unavailable a character heuristic is used.
func (e *Estimator) Count(model, text string) int {
	if text == "" {
		return 0
	}
	codec, err := e.codec(EncodingFor(model))
	if err != nil {
		return e.heuristic(text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return e.heuristic(text)
	}
	return len(ids)
}

// CountMessages returns the prompt size of a conversation, including
// per-message framing and the reply priming tokens.
func (e *Estimator) CountMessages(model string, msgs []domain.Message) int {
	total := replyPriming
	for _, m := range msgs {
		total += tokensPerMessage + tokensPerRole
		total += e.Count(model, m.Content)
	}
	return total
}

// Usage builds an estimated usage record for a finished exchange.
func (e *Estimator) Usage(model string, prompt []domain.Message, completion string) *domain.Usage {
	p := e.CountMessages(model, prompt)
	c := e.Count(model, completion)
	return &domain.Usage{
		PromptTokens:     p,
		CompletionTokens: c,
		TotalTokens:      p + c,
		Estimated:        true,
	}
}

func (e *Estimator) heuristic(text string) int {
	cpt := e.CharsPerToken
	if cpt <= 0 {
		cpt = 4.0
	}
	n := int(float64(len(text))/cpt + 0.5)
	if n == 0 {
		n = 1
	}
	return n
}

func (e *Estimator) codec(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	e.mu.RLock()
	if cached, ok := e.codecs[enc]; ok {
		e.mu.RUnlock()
		return cached, nil
	}
	e.mu.RUnlock()

	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding %s: %w", enc, err)
	}

	e.mu.Lock()
	e.codecs[enc] = codec
	e.mu.Unlock()
	return codec, nil
}

// EncodingFor maps a model id to its tiktoken encoding.
//
//   - o200k_base: gpt-5, gpt-4.1, gpt-4o, o-series, codex and unknown models
//   - cl100k_base: gpt-4, gpt-3.5, text-embedding
func EncodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(strings.TrimSpace(model))

	switch {
	case strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-5"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"),
		strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}
