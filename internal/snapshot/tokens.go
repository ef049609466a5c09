package snapshot

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const defaultEncoding = "cl100k_base"

// TokenEstimator counts tokens with tiktoken, falling back to a
// characters/4 approximation when no encoding can be loaded.
type TokenEstimator struct {
	enabled  bool
	encoding *tiktoken.Tiktoken
	strategy string
}

var (
	encodingOnce sync.Once
	encodingName string
	encodingTok  *tiktoken.Tiktoken
)

func loadEncoding() (*tiktoken.Tiktoken, string) {
	encodingOnce.Do(func() {
		if enc, err := tiktoken.GetEncoding(defaultEncoding); err == nil {
			encodingTok, encodingName = enc, defaultEncoding
			return
		}
		for _, model := range []string{"gpt-4", "gpt-3.5-turbo"} {
			if enc, err := tiktoken.EncodingForModel(model); err == nil {
				encodingTok, encodingName = enc, model
				return
			}
		}
	})
	return encodingTok, encodingName
}

func NewTokenEstimator(enabled bool) *TokenEstimator {
	if !enabled {
		return &TokenEstimator{strategy: "disabled"}
	}
	enc, name := loadEncoding()
	if enc == nil {
		return NewApproximateEstimator()
	}
	return &TokenEstimator{
		enabled:  true,
		encoding: enc,
		strategy: fmt.Sprintf("tiktoken (%s)", name),
	}
}

// NewApproximateEstimator never consults tiktoken.
func NewApproximateEstimator() *TokenEstimator {
	return &TokenEstimator{enabled: true, strategy: "approximate (characters / 4)"}
}

func (e *TokenEstimator) Count(text string) int {
	if !e.enabled || text == "" {
		return 0
	}
	if e.encoding != nil {
		return len(e.encoding.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

func (e *TokenEstimator) Enabled() bool {
	return e.enabled
}

func (e *TokenEstimator) Strategy() string {
	return e.strategy
}
