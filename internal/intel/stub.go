package intel

import (
	"context"
	"fmt"
	"sync"

	"github.com/nexus-trading/pomp/internal/model"
)

// Stub is a deterministic judge for tests and dry runs. Each capability
// returns its pre-loaded results in order, cycling when exhausted.
type Stub struct {
	mu sync.Mutex

	bundles    []BundleVerdict
	lens       []Verdict
	accounts   []Verdict
	bi, li, ai int

	err   error
	calls map[string]int
}

// Compile-time interface checks.
var (
	_ BundleDecider = (*Stub)(nil)
	_ LensJudge     = (*Stub)(nil)
	_ AccountJudge  = (*Stub)(nil)
)

// NewStub creates an empty stub. Unconfigured capabilities answer with a
// refusal.
func NewStub() *Stub {
	return &Stub{calls: make(map[string]int)}
}

// WithBundles sets the bundle screen results.
func (s *Stub) WithBundles(v ...BundleVerdict) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles = v
	return s
}

// WithLens sets the uniqueness results.
func (s *Stub) WithLens(v ...Verdict) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lens = v
	return s
}

// WithAccounts sets the final check results.
func (s *Stub) WithAccounts(v ...Verdict) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = v
	return s
}

// SetError makes every call fail with err until cleared with nil.
func (s *Stub) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns how often the named capability was invoked: "decide",
// "lens" or "account".
func (s *Stub) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

// Decide returns the next bundle verdict, validated against len(coins) the
// same way the real decider validates.
func (s *Stub) Decide(_ context.Context, bundleID, _ string, coins []CoinInfo) (BundleVerdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["decide"]++
	if s.err != nil {
		return BundleVerdict{}, fmt.Errorf("intel: bundle %s: %w", bundleID, s.err)
	}
	if len(s.bundles) == 0 {
		return BundleVerdict{Status: StatusRefused, Reason: "stub: no bundle verdicts"}, nil
	}
	v := s.bundles[s.bi]
	s.bi = (s.bi + 1) % len(s.bundles)
	if v.Status == StatusOK {
		if err := ValidateDecisions(v.Decisions, len(coins)); err != nil {
			return BundleVerdict{Status: StatusInvalid, Reason: err.Error()}, nil
		}
	}
	return v, nil
}

// CheckUniqueness returns the next uniqueness verdict.
func (s *Stub) CheckUniqueness(context.Context, string) (Verdict, error) {
	return s.next("lens", s.lens, &s.li)
}

// CheckAccount returns the next final verdict.
func (s *Stub) CheckAccount(context.Context, string) (Verdict, error) {
	return s.next("account", s.accounts, &s.ai)
}

func (s *Stub) next(name string, vs []Verdict, idx *int) (Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
	if s.err != nil {
		return Verdict{}, fmt.Errorf("intel: %s: %w", name, s.err)
	}
	if len(vs) == 0 {
		return Verdict{Status: StatusRefused, Reason: "stub: no " + name + " verdicts"}, nil
	}
	v := vs[*idx]
	*idx = (*idx + 1) % len(vs)
	return v, nil
}

// OK is shorthand for an accepted single answer.
func OK(answer string) Verdict {
	return Verdict{Status: StatusOK, Answer: answer}
}

// Decisions builds an accepted bundle verdict from alternating id/decision
// pairs, e.g. Decisions("01", "yes", "02", "no").
func Decisions(pairs ...string) BundleVerdict {
	v := BundleVerdict{Status: StatusOK}
	for i := 0; i+1 < len(pairs); i += 2 {
		v.Decisions = append(v.Decisions, CoinDecision{ID: pairs[i], Decision: model.Decision(pairs[i+1])})
	}
	return v
}
