// Package tokens provides token counting for backends that do not report
// usage themselves.
package tokens

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/aarogyalink/companion/internal/domain"
)

// Counter counts tokens in a piece of text.
type Counter interface {
	Count(text string) int
}

// TiktokenCounter counts tokens with a tiktoken encoding. The codec is
// loaded lazily and shared across goroutines.
type TiktokenCounter struct {
	encoding tokenizer.Encoding
	fallback Counter

	once  sync.Once
	codec tokenizer.Codec
	err   error
}

// NewTiktokenCounter creates a counter for the given encoding. An empty
// encoding selects cl100k_base.
func NewTiktokenCounter(encoding tokenizer.Encoding) *TiktokenCounter {
	if encoding == "" {
		encoding = tokenizer.Cl100kBase
	}
	return &TiktokenCounter{
		encoding: encoding,
		fallback: NewEstimator(),
	}
}

func (c *TiktokenCounter) load() (tokenizer.Codec, error) {
	c.once.Do(func() {
		c.codec, c.err = tokenizer.Get(c.encoding)
		if c.err != nil {
			c.err = fmt.Errorf("failed to get tokenizer encoding %s: %w", c.encoding, c.err)
		}
	})
	return c.codec, c.err
}

// Count returns the number of tokens in text. If the encoding cannot be
// loaded or the text cannot be encoded, it falls back to an estimate.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	codec, err := c.load()
	if err != nil {
		return c.fallback.Count(text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return c.fallback.Count(text)
	}
	return len(ids)
}

// Usage builds a Usage value for a prompt/completion pair.
func Usage(c Counter, prompt, completion string) domain.Usage {
	in := c.Count(prompt)
	out := c.Count(completion)
	return domain.Usage{
		PromptTokens:     in,
		CompletionTokens: out,
		TotalTokens:      in + out,
	}
}

// Estimator provides token count estimation based on character length.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

// Count estimates the token count, rounding up so non-empty text is never zero.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	n := int(float64(len(text))/e.CharsPerToken + 0.999)
	if n < 1 {
		n = 1
	}
	return n
}
