// Package summarizer implements the Summariser Tool (C6): a registered
// tool that compresses text to at most K tokens using the backend
// model, with a deterministic fallback ladder. Grounded on the
// teacher's internal/agent/compaction.go flush-prompt idiom for the
// think-block stripping pattern; the retry/truncate/extractive-fallback
// ladder itself is written fresh from spec.md §4.6, since no single
// teacher file implements it.
package summarizer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Choapinus/ape/internal/apeerr"
	"github.com/Choapinus/ape/internal/llm"
	"github.com/Choapinus/ape/internal/tokens"
)

const (
	// InputLimit is the maximum accepted input size, in estimated tokens.
	InputLimit = 4000

	// DefaultK is the default summary length cap, in estimated tokens.
	DefaultK = 128

	callTimeout = 30 * time.Second
)

var thinkBlock = regexp.MustCompile(`(?is)<think>.*?</think>`)

// Summarizer compresses text to at most K tokens.
type Summarizer struct {
	provider          llm.Provider
	model             string
	k                 int
	summarizeThoughts bool
}

func New(provider llm.Provider, model string, k int, summarizeThoughts bool) *Summarizer {
	if k <= 0 {
		k = DefaultK
	}
	return &Summarizer{provider: provider, model: model, k: k, summarizeThoughts: summarizeThoughts}
}

// Summarize runs the algorithm in spec.md §4.6 and returns a string
// guaranteed to satisfy tokens(summary) <= K, or an *apeerr.ApeError with
// code INPUT_TOO_LARGE.
func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	if !s.summarizeThoughts {
		text = thinkBlock.ReplaceAllString(text, "")
	}

	if tokens.Estimate(text) > InputLimit {
		return "", apeerr.New(apeerr.InputTooLarge, fmt.Sprintf("input exceeds %d token limit", InputLimit), nil)
	}

	summary, err := s.askModel(ctx, text, s.prompt(s.k, ""))
	if err == nil && tokens.Estimate(summary) > s.k {
		summary, err = s.askModel(ctx, text, s.prompt(s.k, summary))
	}

	if err != nil {
		return extractiveFallback(text, s.k), nil
	}

	if tokens.Estimate(summary) > s.k {
		summary = truncateToTokenLimit(summary, s.k)
	}
	return summary, nil
}

func (s *Summarizer) prompt(k int, previousOverlong string) string {
	if previousOverlong == "" {
		return fmt.Sprintf("Summarise the following text in at most %d tokens. Reply with only the summary.", k)
	}
	return fmt.Sprintf(
		"Your previous summary was too long:\n%s\nSummarise the original text again, strictly under %d tokens. Reply with only the summary.",
		previousOverlong, k)
}

func (s *Summarizer) askModel(ctx context.Context, text, instruction string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	return s.provider.Complete(callCtx, llm.CompletionRequest{
		Model:  s.model,
		System: instruction,
		Messages: []llm.Message{
			{Role: "user", Content: text},
		},
		MaxTokens: s.k * 4,
	})
}

// extractiveFallback takes leading sentences, then leading words, up to
// the token budget — used on timeout or backend failure.
func extractiveFallback(text string, k int) string {
	sentences := splitSentences(text)
	var out strings.Builder
	for _, sent := range sentences {
		candidate := strings.TrimSpace(out.String() + " " + sent)
		if tokens.Estimate(candidate) > k {
			break
		}
		out.Reset()
		out.WriteString(candidate)
	}
	if out.Len() > 0 {
		return strings.TrimSpace(out.String())
	}
	return truncateToTokenLimit(text, k)
}

func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			sentences = append(sentences, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if current.Len() > 0 {
		sentences = append(sentences, strings.TrimSpace(current.String()))
	}
	return sentences
}

// truncateToTokenLimit keeps the word-prefix that fits within k tokens.
func truncateToTokenLimit(text string, k int) string {
	words := strings.Fields(text)
	var out strings.Builder
	for _, w := range words {
		candidate := strings.TrimSpace(out.String() + " " + w)
		if tokens.Estimate(candidate) > k {
			break
		}
		out.Reset()
		out.WriteString(candidate)
	}
	return strings.TrimSpace(out.String())
}
