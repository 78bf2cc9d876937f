// Package intel wraps the external judgment capabilities the pipeline asks
// for decisions: the bundle screen, the reverse-image uniqueness check and
// the final social-account check.
//
// Every answer is a tagged Verdict. Transport failures are errors; refusals
// and malformed answers are verdicts with a non-OK status so callers can log
// them distinctly while treating all three as "no decision".
package intel

import (
	"context"
	"fmt"

	"github.com/nexus-trading/pomp/internal/grid"
	"github.com/nexus-trading/pomp/internal/model"
)

// Status tags a judgment result.
type Status string

const (
	StatusOK      Status = "ok"
	StatusRefused Status = "refused"
	StatusInvalid Status = "invalid"
)

// Answers of the uniqueness and final checks.
const (
	AnswerCopy   = "copy"
	AnswerUnique = "unique"
	AnswerPass   = "pass"
	AnswerBuy    = "buy"
)

// CoinInfo is the per-coin context sent with a bundle screen.
type CoinInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Description string `json:"description"`
}

// CoinDecision is one entry of a bundle screen answer.
type CoinDecision struct {
	ID       string         `json:"id"`
	Decision model.Decision `json:"decision"`
}

// BundleVerdict is the result of a bundle screen. Decisions is only
// meaningful when Status is StatusOK.
type BundleVerdict struct {
	Status    Status
	Decisions []CoinDecision
	Reason    string
}

// Usable reports whether the verdict carries validated decisions.
func (v BundleVerdict) Usable() bool {
	return v.Status == StatusOK
}

// Verdict is the result of a single-answer check. Answer is only meaningful
// when Status is StatusOK.
type Verdict struct {
	Status Status
	Answer string
	Reason string
}

// Usable reports whether the verdict carries an answer.
func (v Verdict) Usable() bool {
	return v.Status == StatusOK
}

// BundleDecider screens a bundle composite.
type BundleDecider interface {
	Decide(ctx context.Context, bundleID, imageURL string, coins []CoinInfo) (BundleVerdict, error)
}

// LensJudge decides whether a reverse-image search screenshot shows copies.
type LensJudge interface {
	CheckUniqueness(ctx context.Context, screenshotURL string) (Verdict, error)
}

// AccountJudge makes the final call from a social profile screenshot.
type AccountJudge interface {
	CheckAccount(ctx context.Context, screenshotURL string) (Verdict, error)
}

// ValidateDecisions checks a bundle answer: exactly n entries, ids drawn
// from 01..n with no repeats, and every decision yes or no.
func ValidateDecisions(decs []CoinDecision, n int) error {
	if len(decs) != n {
		return fmt.Errorf("intel: expected %d decisions, got %d", n, len(decs))
	}
	seen := make(map[string]bool, n)
	for _, d := range decs {
		if _, ok := grid.ParseLabel(d.ID, n); !ok {
			return fmt.Errorf("intel: invalid coin id %q", d.ID)
		}
		if seen[d.ID] {
			return fmt.Errorf("intel: duplicate coin id %q", d.ID)
		}
		seen[d.ID] = true
		if !d.Decision.Valid() {
			return fmt.Errorf("intel: invalid decision %q for coin %s", d.Decision, d.ID)
		}
	}
	return nil
}

// checkAnswer turns a raw answer into a Verdict given the allowed values.
func checkAnswer(answer string, allowed ...string) Verdict {
	for _, a := range allowed {
		if answer == a {
			return Verdict{Status: StatusOK, Answer: answer}
		}
	}
	return Verdict{Status: StatusInvalid, Reason: fmt.Sprintf("unexpected answer %q", answer)}
}
