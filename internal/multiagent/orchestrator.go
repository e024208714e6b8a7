// Package multiagent implements the Multi-agent Orchestrator (C9): N
// cooperating agents exchanging messages in rounds, with conversational
// stagnation detection and memory-flush recovery. Grounded on the
// teacher's internal/multiagent/orchestrator.go (event-driven agent
// registry, Process loop shape), trimmed of its supervisor/handoff/
// router machinery — spec.md's round-robin exchange has no handoff
// concept — and its stagnation detector is new, grounded on
// internal/agent/compaction.go's IsFlushResponse string-normalisation
// idiom generalised into a reply normaliser.
package multiagent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/Choapinus/ape/internal/metrics"
	"github.com/Choapinus/ape/internal/windowmemory"
)

var thinkBlockPattern = regexp.MustCompile(`(?is)<think>.*?</think>`)

// StripThink removes private-reasoning blocks before a reply is fed
// forward to the next agent or normalised for stagnation comparison.
func StripThink(s string) string {
	return thinkBlockPattern.ReplaceAllString(s, "")
}

func normalize(s string) string {
	fields := strings.Fields(strings.ToLower(StripThink(s)))
	return strings.Join(fields, " ")
}

// Replier produces one reply for an agent given the input carried over
// from the previous turn. Implementations typically wrap an
// internal/agent.Loop, but the interface is kept narrow so the
// orchestrator can be tested against a stub.
type Replier interface {
	Reply(ctx context.Context, input string) (string, error)
}

// Agent is one role in the orchestrator: a replier paired with the
// Window Memory it owns, so stagnation recovery can force-summarise
// and clear it independently of the other agents.
type Agent struct {
	ID      string
	Replier Replier
	Memory  *windowmemory.WindowMemory

	lastNormalized string
	stagnantCount  int
}

const (
	// DefaultStagnationThreshold is k in spec.md §4.9.
	DefaultStagnationThreshold = 3
	// DefaultMaxRecoveries bounds how many times the orchestrator will
	// attempt recovery before giving up and terminating cleanly.
	DefaultMaxRecoveries = 3
)

// Config tunes one orchestrator run.
type Config struct {
	Turns               int
	StagnationThreshold int
	MaxRecoveries       int
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Turns <= 0 {
		cfg.Turns = 1
	}
	if cfg.StagnationThreshold <= 0 {
		cfg.StagnationThreshold = DefaultStagnationThreshold
	}
	if cfg.MaxRecoveries <= 0 {
		cfg.MaxRecoveries = DefaultMaxRecoveries
	}
	return cfg
}

// recoveryDirective is the system-authored message fed to the next
// agent after a stagnation recovery (spec.md §4.9 step 3).
const recoveryDirective = "Stagnation detected. Take a new direction."

// Turn records one agent's exchange within a round, for callers that
// want the full transcript rather than just the final reply.
type Turn struct {
	Round     int
	AgentID   string
	Input     string
	Reply     string
	Recovered bool
}

// Orchestrator runs N cooperating agents exchanging messages in rounds.
type Orchestrator struct {
	agents  []*Agent
	config  Config
	metrics *metrics.Metrics

	recoveries int
}

// New builds an Orchestrator over agents, in exchange order.
func New(agents []*Agent, cfg Config) *Orchestrator {
	return &Orchestrator{agents: agents, config: sanitizeConfig(cfg)}
}

// SetMetrics attaches a Prometheus collector set; a nil
// Orchestrator.metrics leaves every recording call a no-op.
func (o *Orchestrator) SetMetrics(m *metrics.Metrics) {
	o.metrics = m
}

// Recoveries reports how many stagnation recoveries have fired so far.
func (o *Orchestrator) Recoveries() int { return o.recoveries }

// Run drives Config.Turns rounds of the agent exchange starting from
// opening. Agent i in each round receives the previous agent's reply
// (or the opening message, for the very first turn) with private-
// reasoning blocks stripped. Run terminates early, without error, once
// MaxRecoveries stagnation recoveries have occurred.
func (o *Orchestrator) Run(ctx context.Context, opening string) ([]Turn, error) {
	if len(o.agents) == 0 {
		return nil, fmt.Errorf("multiagent: no agents registered")
	}

	var transcript []Turn
	message := opening

	for round := 1; round <= o.config.Turns; round++ {
		for _, a := range o.agents {
			select {
			case <-ctx.Done():
				return transcript, ctx.Err()
			default:
			}

			input := StripThink(message)
			reply, err := a.Replier.Reply(ctx, input)
			if err != nil {
				return transcript, fmt.Errorf("agent %q: %w", a.ID, err)
			}

			normalized := normalize(reply)
			if normalized != "" && normalized == a.lastNormalized {
				a.stagnantCount++
			} else {
				a.stagnantCount = 1
			}
			a.lastNormalized = normalized

			recovered := false
			if a.stagnantCount >= o.config.StagnationThreshold {
				recovered = true
				if err := o.recoverAll(ctx); err != nil {
					return transcript, fmt.Errorf("recovering after agent %q stagnated: %w", a.ID, err)
				}
				message = recoveryDirective
			} else {
				message = reply
			}

			transcript = append(transcript, Turn{
				Round: round, AgentID: a.ID, Input: input, Reply: reply, Recovered: recovered,
			})

			if recovered && o.recoveries >= o.config.MaxRecoveries {
				return transcript, nil
			}
		}
	}
	return transcript, nil
}

// recoverAll implements spec.md §4.9's recovery sequence: force-
// summarise and clear every agent's Window Memory, then reset
// stagnation bookkeeping so the next round starts fresh.
func (o *Orchestrator) recoverAll(ctx context.Context) error {
	for _, a := range o.agents {
		if a.Memory != nil {
			if err := a.Memory.ForceSummarize(ctx); err != nil {
				return err
			}
			a.Memory.Clear()
		}
		a.stagnantCount = 0
		a.lastNormalized = ""
	}
	o.recoveries++
	if o.metrics != nil {
		o.metrics.StagnationRecoveriesTotal.Inc()
	}
	return nil
}
