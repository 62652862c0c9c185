package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raildebug/raildbg/internal/provider"
)

// Tier is one rung of the escalation ladder, cheapest first.
type Tier int

const (
	TierRegex Tier = 1
	TierFast  Tier = 2
	TierMid   Tier = 3
	TierDeep  Tier = 4
)

const maxTier = TierDeep

// Mode controls where the ladder is entered and whether escalation happens.
type Mode string

const (
	// ModeAuto starts at the free tier-1 matcher and escalates on low
	// confidence or provider failure.
	ModeAuto Mode = "auto"
	// ModeHaiku enters directly at the mid tier. No escalation below it.
	ModeHaiku Mode = "haiku"
	// ModeDeep enters directly at the deep tier.
	ModeDeep Mode = "deep"
)

// ParseMode validates a request's mode string, defaulting empty to auto.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeHaiku:
		return ModeHaiku, nil
	case ModeDeep:
		return ModeDeep, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want auto, haiku, or deep)", s)
	}
}

func (m Mode) startTier() Tier {
	switch m {
	case ModeHaiku:
		return TierMid
	case ModeDeep:
		return TierDeep
	default:
		return TierRegex
	}
}

// ceilTier is the highest tier a mode may reach. Explicit single-tier
// requests (haiku, deep) never escalate past the tier they asked for; only
// auto climbs the full ladder.
func (m Mode) ceilTier() Tier {
	switch m {
	case ModeHaiku:
		return TierMid
	default:
		return maxTier
	}
}

// DefaultThresholds are the per-tier acceptance thresholds: a verdict is
// accepted when its confidence is >= the threshold of the tier that produced
// it. Placeholder values pending calibration; override via config.
var DefaultThresholds = map[Tier]float64{
	TierRegex: 0.75,
	TierFast:  0.60,
	TierMid:   0.60,
	TierDeep:  0.50,
}

// Result is the router's final answer. The system always answers: when every
// permitted tier falls short, the last verdict obtained is returned with
// LowConfidence set instead of an error. When no tier produced any verdict,
// the answer is a parsed fallback verdict with Tier 0.
type Result struct {
	Verdict       provider.Verdict
	Tier          Tier
	LowConfidence bool
}

// Router walks the tier ladder for each request. Escalation is strictly
// sequential: each tier's outcome decides whether the next is attempted.
type Router struct {
	providers  map[Tier]provider.Provider
	thresholds map[Tier]float64
}

// New builds a Router over the given per-tier providers. Missing thresholds
// fall back to DefaultThresholds.
func New(providers map[Tier]provider.Provider, thresholds map[Tier]float64) *Router {
	merged := make(map[Tier]float64, len(DefaultThresholds))
	for t, v := range DefaultThresholds {
		merged[t] = v
	}
	for t, v := range thresholds {
		merged[t] = v
	}
	return &Router{providers: providers, thresholds: merged}
}

// outcome classifies one tier attempt for the transition function.
type outcome int

const (
	outcomeAccepted outcome = iota
	outcomeLowConfidence
	outcomeFailed
)

// Route runs the escalation state machine. In auto mode the attempted tier
// sequence is strictly increasing starting at 1; haiku and deep modes enter
// higher up. A tier's verdict is accepted on confidence >= its threshold;
// equal-confidence verdicts from cheaper tiers therefore always win, because
// escalation only happens on strictly insufficient confidence or failure.
// The only error Route returns is context cancellation.
func (r *Router) Route(ctx context.Context, in provider.Input, mode Mode) (Result, error) {
	var last *Result

	for tier := mode.startTier(); tier <= mode.ceilTier(); tier++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		p, ok := r.providers[tier]
		if !ok {
			// Unconfigured tier (e.g. no API key): treat as a failed
			// attempt and keep climbing.
			slog.Debug("router: tier unavailable", "tier", int(tier))
			continue
		}

		verdict, out := r.attempt(ctx, tier, p, in)
		switch out {
		case outcomeAccepted:
			return Result{Verdict: verdict, Tier: tier}, nil
		case outcomeLowConfidence:
			last = &Result{Verdict: verdict, Tier: tier, LowConfidence: true}
		case outcomeFailed:
			// Nothing to keep; escalate if permitted.
		}
	}

	if last != nil {
		return *last, nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// Every permitted tier failed or was unconfigured. Answer anyway with a
	// parsed best-effort verdict rather than an error.
	slog.Info("router: no tier produced a verdict, answering with fallback", "mode", string(mode))
	return Result{Verdict: provider.FallbackVerdict(in), LowConfidence: true}, nil
}

func (r *Router) attempt(ctx context.Context, tier Tier, p provider.Provider, in provider.Input) (provider.Verdict, outcome) {
	verdict, err := p.Analyze(ctx, in)
	if err != nil {
		slog.Info("router: tier attempt failed",
			"tier", int(tier), "provider", p.Name(), "error", err)
		return provider.Verdict{}, outcomeFailed
	}

	if verdict.Confidence >= r.thresholds[tier] {
		return verdict, outcomeAccepted
	}

	slog.Debug("router: confidence below threshold",
		"tier", int(tier), "provider", p.Name(),
		"confidence", verdict.Confidence, "threshold", r.thresholds[tier])
	return verdict, outcomeLowConfidence
}
