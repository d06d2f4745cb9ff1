package debate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/arbiter/internal/scoring"
	"github.com/google/uuid"
)

// RoundInput is what one opposing agent sees for one round. CrossFeedback
// is an immutable snapshot of the other side's prior output; nil in round 1.
type RoundInput struct {
	Pair     EntityPair
	Variant  string
	ProfileA string
	ProfileB string
	Round    int

	CrossFeedback *AgentOutput
}

// SynthesisInput carries both current outputs into the synthesizer.
type SynthesisInput struct {
	Pair     EntityPair
	Round    int
	Advocate AgentOutput
	Skeptic  AgentOutput
}

// Invoker is the agent invocation capability the runner drives. The two
// opposing calls within a round are independent and run in parallel;
// everything across rounds is strictly sequential.
type Invoker interface {
	InvokeAgent(ctx context.Context, role Role, in RoundInput) (*AgentOutput, error)
	InvokeSynthesizer(ctx context.Context, in SynthesisInput) (*Synthesis, error)
}

// Params are the per-kind debate tunables.
type Params struct {
	MaxRounds             int
	DisagreementThreshold float64 // 0-100
	MinConfidence         float64 // 0-1
	Aggregation           scoring.Aggregation
	Variants              []string
}

// Validate rejects unusable parameter sets up front; a debate must never
// start with an invalid configuration.
func (p Params) Validate() error {
	if p.MaxRounds < 1 {
		return fmt.Errorf("max_rounds must be >= 1, got %d", p.MaxRounds)
	}
	if p.DisagreementThreshold < 0 || p.DisagreementThreshold > 100 {
		return fmt.Errorf("disagreement_threshold must be in [0,100], got %g", p.DisagreementThreshold)
	}
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be in [0,1], got %g", p.MinConfidence)
	}
	if !p.Aggregation.Valid() {
		return fmt.Errorf("unknown aggregation %q", p.Aggregation)
	}
	return nil
}

// PairContext is the entity-store material a debate runs over. InputRev
// identifies the profile revisions the debate saw; it feeds the cache
// fingerprint so stale results are detectable.
type PairContext struct {
	ProfileA string
	ProfileB string
	InputRev string
}

// Persister is called after every state transition so an aborted run
// leaves the state at its last persisted point for the next cycle.
type Persister interface {
	SaveDebate(ctx context.Context, s *State) error
}

// Runner drives one debate through the state machine.
type Runner struct {
	inv     Invoker
	params  Params
	persist Persister // may be nil in tests
	logger  *slog.Logger
}

// NewRunner builds a Runner; params are validated once here.
func NewRunner(inv Invoker, params Params, persist Persister, logger *slog.Logger) (*Runner, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("debate params: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{inv: inv, params: params, persist: persist, logger: logger}, nil
}

// NewState creates the pending run record for a pair.
func NewState(pair EntityPair, maxRounds int) *State {
	return &State{
		ID:        uuid.NewString(),
		Pair:      pair,
		MaxRounds: maxRounds,
		Status:    StatusPending,
	}
}

// ErrCancelled is returned when the scheduler aborts a debate between
// rounds. The state is left at its last persisted point, not failed.
var ErrCancelled = errors.New("debate cancelled between rounds")

// Run drives the state to a terminal status. On completion the Result is
// set; on escalation the Escalation signal is; on unrecoverable error the
// state is failed with the partial round history preserved and the causing
// error returned. Cancellation is honored only between rounds, never
// mid-call.
func (r *Runner) Run(ctx context.Context, s *State, pc PairContext) error {
	if s.Status != StatusPending && s.Status != StatusDebating {
		return fmt.Errorf("debate %s: cannot run from status %s", s.ID, s.Status)
	}
	if s.Status == StatusPending {
		if err := r.move(ctx, s, StatusDebating); err != nil {
			return err
		}
	}

	variant := SelectVariant(s.Pair.Kind, s.Pair.AID+"|"+s.Pair.BID, r.params.Variants)

	for {
		if err := ctx.Err(); err != nil {
			// Between rounds only: leave the state where the last
			// persist put it for pickup by the next cycle.
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		s.Round++
		adv, skp, err := r.runRound(ctx, s, pc, variant)
		if err != nil {
			if ctx.Err() != nil {
				// Shutdown landed mid-call: not a provider failure. Roll the
				// round counter back to the last recorded round and leave the
				// state resumable at its last persisted point.
				s.Round = len(s.History)
				return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			}
			return r.fail(ctx, s, err)
		}
		if err := s.recordRound(*adv, *skp); err != nil {
			return r.fail(ctx, s, err)
		}
		if err := r.move(ctx, s, StatusSynthesizing); err != nil {
			return err
		}

		syn, err := r.inv.InvokeSynthesizer(ctx, SynthesisInput{
			Pair:     s.Pair,
			Round:    s.Round,
			Advocate: *adv,
			Skeptic:  *skp,
		})
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			}
			return r.fail(ctx, s, err)
		}
		s.Syntheses = append(s.Syntheses, *syn)

		s.Disagreement, s.Confidence = scoring.Score(
			adv.Score, adv.Confidence, skp.Score, skp.Confidence, r.params.Aggregation)

		d := decide(r.params, s.Round, *adv, *skp, s.Disagreement, s.Confidence)
		r.logger.Info("round decided",
			"debate_id", s.ID,
			"pair", s.Pair.String(),
			"round", s.Round,
			"disagreement", s.Disagreement,
			"confidence", s.Confidence,
			"verdict", d.verdict,
		)

		switch d.verdict {
		case verdictComplete:
			s.Result = &Result{
				Score:         syn.Score,
				Confidence:    syn.Confidence,
				Rationale:     syn.Rationale,
				TalkingPoints: syn.TalkingPoints,
				Concerns:      syn.Concerns,
				Rounds:        s.Round,
				Disagreement:  s.Disagreement,
				TotalTokens:   s.totalTokens(),
				ComputedAt:    time.Now().UTC(),
			}
			return r.move(ctx, s, StatusCompleted)

		case verdictEscalate:
			s.Escalation = &EscalationSignal{
				Reason:  d.reason,
				Round:   s.Round,
				Exclude: d.exclude,
			}
			return r.move(ctx, s, StatusEscalated)

		case verdictRegenerate:
			if err := r.move(ctx, s, StatusDebating); err != nil {
				return err
			}
			// Loop: round N+1 gets cross-feedback from this round.
		}
	}
}

// runRound invokes both opposing agents in parallel with the prior round's
// opposing outputs as cross-feedback.
func (r *Runner) runRound(ctx context.Context, s *State, pc PairContext, variant string) (*AgentOutput, *AgentOutput, error) {
	var advFeedback, skpFeedback *AgentOutput
	if prevAdv, prevSkp, ok := s.latestPair(); ok {
		// Immutable snapshots: each agent re-reasons against the other's
		// recorded position, never a live reference.
		a, b := prevSkp, prevAdv
		advFeedback, skpFeedback = &a, &b
	}

	input := func(feedback *AgentOutput) RoundInput {
		return RoundInput{
			Pair:          s.Pair,
			Variant:       variant,
			ProfileA:      pc.ProfileA,
			ProfileB:      pc.ProfileB,
			Round:         s.Round,
			CrossFeedback: feedback,
		}
	}

	var (
		wg       sync.WaitGroup
		adv, skp *AgentOutput
		advErr   error
		skpErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		adv, advErr = r.inv.InvokeAgent(ctx, RoleAdvocate, input(advFeedback))
	}()
	go func() {
		defer wg.Done()
		skp, skpErr = r.inv.InvokeAgent(ctx, RoleSkeptic, input(skpFeedback))
	}()
	wg.Wait()

	if advErr != nil || skpErr != nil {
		return nil, nil, errors.Join(advErr, skpErr)
	}
	return adv, skp, nil
}

// move transitions and persists; every transition is durable before the
// next external call.
func (r *Runner) move(ctx context.Context, s *State, to Status) error {
	if err := s.transition(to); err != nil {
		return err
	}
	if r.persist != nil {
		if err := r.persist.SaveDebate(ctx, s); err != nil {
			return fmt.Errorf("persist debate %s: %w", s.ID, err)
		}
	}
	return nil
}

// fail marks the debate failed from whatever state it was in, preserving
// the partial round history for inspection.
func (r *Runner) fail(ctx context.Context, s *State, cause error) error {
	s.Status = StatusFailed
	s.FailureReason = cause.Error()
	if r.persist != nil {
		if perr := r.persist.SaveDebate(ctx, s); perr != nil {
			r.logger.Error("persist failed debate", "debate_id", s.ID, "error", perr)
		}
	}
	return fmt.Errorf("debate %s failed: %w", s.ID, cause)
}

type verdict string

const (
	verdictComplete   verdict = "complete"
	verdictEscalate   verdict = "escalate"
	verdictRegenerate verdict = "regenerate"
)

type decision struct {
	verdict verdict
	reason  string
	exclude bool
}

// decide is the pure per-round decision policy, in priority order: hard
// exclusion, consensus gate, another round, escalation at the bound.
func decide(p Params, round int, adv, skp AgentOutput, disagreement, confidence float64) decision {
	if adv.HardExclusion || skp.HardExclusion {
		return decision{
			verdict: verdictEscalate,
			reason:  exclusionReason(adv, skp),
			exclude: true,
		}
	}

	if disagreement <= p.DisagreementThreshold && confidence >= p.MinConfidence {
		return decision{verdict: verdictComplete}
	}

	if round < p.MaxRounds {
		return decision{verdict: verdictRegenerate}
	}

	reason := fmt.Sprintf("max rounds exceeded, disagreement = %g", disagreement)
	if disagreement <= p.DisagreementThreshold && confidence < p.MinConfidence {
		// False-consensus guard: agents agree but neither is sure.
		reason = fmt.Sprintf("max rounds exceeded, disagreement = %g; aggregate confidence %.2f below minimum %.2f",
			disagreement, confidence, p.MinConfidence)
	}
	return decision{verdict: verdictEscalate, reason: reason}
}

func exclusionReason(adv, skp AgentOutput) string {
	switch {
	case adv.HardExclusion && skp.HardExclusion:
		return fmt.Sprintf("hard exclusion from both agents: %s; %s", adv.ExclusionReason, skp.ExclusionReason)
	case adv.HardExclusion:
		return fmt.Sprintf("hard exclusion from %s: %s", adv.Role, adv.ExclusionReason)
	default:
		return fmt.Sprintf("hard exclusion from %s: %s", skp.Role, skp.ExclusionReason)
	}
}
