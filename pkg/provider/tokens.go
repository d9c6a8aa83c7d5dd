package provider

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

// EstimateTokens returns the token count of text under the cl100k_base
// encoding. The exact backend tokenizer differs per model; cl100k is close
// enough for budget enforcement.
func EstimateTokens(text string) (int, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if codecErr != nil {
		return 0, fmt.Errorf("failed to load tokenizer: %w", codecErr)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("failed to tokenize: %w", err)
	}
	return len(ids), nil
}

// CheckPromptBudget rejects prompts whose estimated token count exceeds the
// budget. A zero or negative budget disables the check.
func CheckPromptBudget(req Request, budget int) error {
	if budget <= 0 {
		return nil
	}
	count, err := EstimateTokens(req.System + req.Prompt)
	if err != nil {
		return err
	}
	if count > budget {
		return NewError(KindRejected, fmt.Sprintf("prompt is %d tokens, budget is %d", count, budget))
	}
	return nil
}
