package validate

import (
	"fmt"
	"math"

	"github.com/sorbentlab/lcrd/internal/models"
)

// Thresholds bound the physically plausible window for a series
// inductance/resistance reading and the suspicious band inside it.
// Loaded from configuration; never hard-coded by callers.
type Thresholds struct {
	MinLsMicroH float64
	MaxLsMicroH float64
	MinRsOhms   float64
	MaxRsOhms   float64

	// SuspectRsOhms flags unusually high resistance (bad contact);
	// SuspectLsMicroH flags unusually low inductance (possible short).
	SuspectRsOhms   float64
	SuspectLsMicroH float64
}

// Validate applies Thresholds sanity checks.
func (t Thresholds) Validate() error {
	if t.MinLsMicroH >= t.MaxLsMicroH {
		return fmt.Errorf("thresholds: Ls window [%g, %g] is empty", t.MinLsMicroH, t.MaxLsMicroH)
	}
	if t.MinRsOhms >= t.MaxRsOhms {
		return fmt.Errorf("thresholds: Rs window [%g, %g] is empty", t.MinRsOhms, t.MaxRsOhms)
	}
	if t.SuspectRsOhms <= t.MinRsOhms || t.SuspectRsOhms > t.MaxRsOhms {
		return fmt.Errorf("thresholds: suspect Rs %g outside (%g, %g]", t.SuspectRsOhms, t.MinRsOhms, t.MaxRsOhms)
	}
	if t.SuspectLsMicroH < t.MinLsMicroH || t.SuspectLsMicroH >= t.MaxLsMicroH {
		return fmt.Errorf("thresholds: suspect Ls %g outside [%g, %g)", t.SuspectLsMicroH, t.MinLsMicroH, t.MaxLsMicroH)
	}
	return nil
}

// Result pairs a verdict with the reason it was reached.
type Result struct {
	Verdict models.Verdict
	Reason  string
}

// Validate classifies a raw reading against the thresholds. Pure function:
// no side effects, deterministic for a given reading and thresholds.
//
// NaN, Inf or negative values are rejected in every mode. The plausible
// window and the suspicious band apply to Ls-Rs readings, the workflow's
// primary mode; other modes only carry the physical-sanity checks.
func Validate(r models.RawReading, t Thresholds) Result {
	checks := []struct {
		name  string
		value float64
	}{
		{"primary", r.Primary},
		{"secondary", r.Secondary},
	}
	for _, c := range checks {
		if math.IsNaN(c.value) || math.IsInf(c.value, 0) {
			return Result{models.VerdictRejected, fmt.Sprintf("%s value is not a finite number", c.name)}
		}
		if c.value < 0 {
			return Result{models.VerdictRejected, fmt.Sprintf("%s value %g is negative", c.name, c.value)}
		}
	}

	if r.Mode != models.ModeLsRs {
		return Result{Verdict: models.VerdictAccepted}
	}

	ls, rs := r.Primary, r.Secondary
	if ls < t.MinLsMicroH || ls > t.MaxLsMicroH {
		return Result{models.VerdictRejected,
			fmt.Sprintf("Ls %g µH outside plausible range [%g, %g]", ls, t.MinLsMicroH, t.MaxLsMicroH)}
	}
	if rs < t.MinRsOhms || rs > t.MaxRsOhms {
		return Result{models.VerdictRejected,
			fmt.Sprintf("Rs %g Ω outside plausible range [%g, %g]", rs, t.MinRsOhms, t.MaxRsOhms)}
	}

	if rs >= t.SuspectRsOhms {
		return Result{models.VerdictFlagged,
			fmt.Sprintf("Rs %g Ω at or above suspect threshold %g Ω, check contacts", rs, t.SuspectRsOhms)}
	}
	if ls <= t.SuspectLsMicroH {
		return Result{models.VerdictFlagged,
			fmt.Sprintf("Ls %g µH at or below suspect threshold %g µH, possible short", ls, t.SuspectLsMicroH)}
	}

	return Result{Verdict: models.VerdictAccepted}
}
