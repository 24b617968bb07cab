package llmrouter

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/scrubline/scrubline/core/apperr"
)

// encodingName is the BPE encoding used for budget estimation. cl100k_base
// is a reasonable approximation across both the OpenAI and Anthropic
// providers this router supports; exact token counts are reported by the
// provider's own Usage response after the call, this estimate is only used
// to pre-flight a thread's remaining token budget (spec.md §4.8).
const encodingName = "cl100k_base"

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
)

func encoder() (*tiktoken.Tiktoken, error) {
	encOnce.Do(func() {
		enc, encErr = tiktoken.GetEncoding(encodingName)
	})
	if encErr != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "loading token encoder", encErr)
	}
	return enc, nil
}

// EstimateTokens returns the approximate token count of text. Used before a
// call to check a thread's tokens_remaining budget without needing a round
// trip to the provider.
func EstimateTokens(text string) (int, error) {
	e, err := encoder()
	if err != nil {
		return 0, err
	}
	return len(e.Encode(text, nil, nil)), nil
}

// EstimateMessages sums EstimateTokens over every message's content plus a
// small fixed per-message overhead, mirroring how chat APIs bill framing
// tokens in addition to content.
func EstimateMessages(messages []Message) (int, error) {
	total := 0
	for _, m := range messages {
		n, err := EstimateTokens(m.Content)
		if err != nil {
			return 0, err
		}
		total += n + 4
	}
	return total, nil
}
