// Package windowmemory implements Window Memory (C7): a per-session
// sliding buffer of raw messages plus an accumulated summary, pruned by
// token budget. Grounded on the teacher's internal/agent/compaction.go
// CompactionManager (per-session state map, summariser owned by
// reference rather than by import, to avoid the cyclic dependency the
// design note in spec.md §9 calls out: the Agent Loop owns its memory,
// the memory owns a summarise callback, the callback owns no reference
// back to the memory or the loop).
package windowmemory

import (
	"context"
	"strings"
	"sync"

	"github.com/Choapinus/ape/internal/models"
	"github.com/Choapinus/ape/internal/tokens"
)

// SummarizeFunc compresses text to at most k tokens. Supplied by the
// caller (internal/summarizer.Summarizer.Summarize bound to a fixed k)
// so this package never imports internal/summarizer directly.
type SummarizeFunc func(ctx context.Context, text string) (string, error)

// PersistFunc appends a Summary Record before the corresponding
// messages are dropped, satisfying the audit-trail invariant in
// spec.md §3. Bound to storage.Store.SaveSummary by the caller.
type PersistFunc func(ctx context.Context, sessionID string, original []models.Message, summaryText string) error

// WindowMemory is one session's conversation buffer.
type WindowMemory struct {
	mu sync.Mutex

	sessionID string
	ctxLimit  int
	margin    int

	messages []models.Message
	summary  []string

	summarize SummarizeFunc
	persist   PersistFunc
}

func New(sessionID string, ctxLimit, margin int, summarize SummarizeFunc, persist PersistFunc) *WindowMemory {
	return &WindowMemory{
		sessionID: sessionID,
		ctxLimit:  ctxLimit,
		margin:    margin,
		summarize: summarize,
		persist:   persist,
	}
}

// Add appends a message to the buffer and prunes if the result exceeds
// the token budget.
func (w *WindowMemory) Add(ctx context.Context, msg models.Message) error {
	w.mu.Lock()
	w.messages = append(w.messages, msg)
	w.mu.Unlock()

	return w.Prune(ctx)
}

// Tokens returns the estimated token count of the summary plus all
// buffered messages.
func (w *WindowMemory) Tokens() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tokensLocked()
}

func (w *WindowMemory) tokensLocked() int {
	n := 0
	for _, s := range w.summary {
		n += tokens.Estimate(s)
	}
	for _, m := range w.messages {
		n += tokens.Estimate(m.Content)
	}
	return n
}

// Prune implements spec.md §4.7: while tokens() exceeds ctx_limit −
// margin and messages remain, summarise the oldest 25% (minimum 1) and
// fold the result into the running summary. Aborts without modifying
// messages the first time summarisation fails or returns empty.
func (w *WindowMemory) Prune(ctx context.Context) error {
	for {
		w.mu.Lock()
		budget := w.ctxLimit - w.margin
		if w.tokensLocked() <= budget || len(w.messages) == 0 {
			w.mu.Unlock()
			return nil
		}

		n := len(w.messages) / 4
		if n < 1 {
			n = 1
		}
		if n > len(w.messages) {
			n = len(w.messages)
		}
		chosen := make([]models.Message, n)
		copy(chosen, w.messages[:n])
		sessionID := w.sessionID
		w.mu.Unlock()

		text := concatContent(chosen)
		summaryText, err := w.summarize(ctx, text)
		if err != nil || summaryText == "" {
			return nil
		}

		if w.persist != nil {
			if err := w.persist(ctx, sessionID, chosen, summaryText); err != nil {
				return err
			}
		}

		w.mu.Lock()
		w.messages = w.messages[n:]
		w.summary = append(w.summary, summaryText)
		w.mu.Unlock()
	}
}

// ForceSummarize unconditionally summarises the entire buffer and
// clears it, for stagnation recovery (spec.md §4.9). Best-effort: a
// summarisation failure still clears the buffer, since recovery must
// proceed regardless.
func (w *WindowMemory) ForceSummarize(ctx context.Context) error {
	w.mu.Lock()
	if len(w.messages) == 0 {
		w.mu.Unlock()
		return nil
	}
	chosen := make([]models.Message, len(w.messages))
	copy(chosen, w.messages)
	sessionID := w.sessionID
	w.mu.Unlock()

	text := concatContent(chosen)
	summaryText, err := w.summarize(ctx, text)

	w.mu.Lock()
	w.messages = nil
	if err == nil && summaryText != "" {
		w.summary = append(w.summary, summaryText)
	}
	w.mu.Unlock()

	if err == nil && summaryText != "" && w.persist != nil {
		return w.persist(ctx, sessionID, chosen, summaryText)
	}
	return nil
}

// Clear drops both the buffer and the accumulated summary.
func (w *WindowMemory) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = nil
	w.summary = nil
}

// LatestContext renders the accumulated summary followed by the raw
// buffered messages, the shape the Agent Loop feeds back to the model.
func (w *WindowMemory) LatestContext() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var b strings.Builder
	if len(w.summary) > 0 {
		b.WriteString(strings.Join(w.summary, "\n"))
	}
	for _, m := range w.messages {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// Messages returns a copy of the currently buffered (unsummarised)
// messages.
func (w *WindowMemory) Messages() []models.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.Message, len(w.messages))
	copy(out, w.messages)
	return out
}

func concatContent(messages []models.Message) string {
	parts := make([]string, len(messages))
	for i, m := range messages {
		parts[i] = m.Content
	}
	return strings.Join(parts, "\n")
}
