package models

import "time"

// TestMode selects the impedance function the instrument is configured for.
type TestMode string

const (
	ModeLsRs       TestMode = "ls-rs"
	ModeCsRs       TestMode = "cs-rs"
	ModeCpRp       TestMode = "cp-rp"
	ModeResistance TestMode = "resistance"
)

// Valid reports whether m is one of the supported test modes.
func (m TestMode) Valid() bool {
	switch m {
	case ModeLsRs, ModeCsRs, ModeCpRp, ModeResistance:
		return true
	}
	return false
}

// MeasurementRequest describes one acquisition as submitted by the operator.
// Immutable once issued.
type MeasurementRequest struct {
	SampleName  string        `json:"sample_name"`
	Tester      string        `json:"tester"`
	Mode        TestMode      `json:"mode"`
	FrequencyHz float64       `json:"frequency_hz"`
	VoltageV    float64       `json:"voltage_v"`
	Timeout     time.Duration `json:"timeout"`
}

// RawReading is what the instrument reported for a single trigger.
// Primary carries Ls in µH (or Cs/Cp in nF, or Ω in resistance mode);
// Secondary carries Rs/Rp in Ω and is zero in resistance mode.
type RawReading struct {
	Mode      TestMode  `json:"mode"`
	Primary   float64   `json:"primary"`
	Secondary float64   `json:"secondary"`
	Timestamp time.Time `json:"timestamp"`
	Status    []string  `json:"status,omitempty"`
}

// Verdict is the validation outcome for a raw reading.
type Verdict string

const (
	VerdictAccepted Verdict = "accepted"
	VerdictFlagged  Verdict = "flagged"
	VerdictRejected Verdict = "rejected"
)

// Target identifies a persistence sink.
type Target string

const (
	TargetDatabase    Target = "database"
	TargetSpreadsheet Target = "spreadsheet"
	TargetNotion      Target = "notion"
)

// Valid reports whether t names a known sink.
func (t Target) Valid() bool {
	switch t {
	case TargetDatabase, TargetSpreadsheet, TargetNotion:
		return true
	}
	return false
}

// ValidatedMeasurement is a raw reading together with its verdict. Only
// validated measurements ever reach a sink; raw readings never do.
type ValidatedMeasurement struct {
	ID      string             `json:"id"`
	Request MeasurementRequest `json:"request"`
	Reading RawReading         `json:"reading"`
	Verdict Verdict            `json:"verdict"`
	Reason  string             `json:"reason,omitempty"`

	// Confirmed records the operator override that lets a flagged
	// measurement through to persistence.
	Confirmed   bool              `json:"confirmed"`
	CreatedAt   time.Time         `json:"created_at"`
	PersistedAt time.Time         `json:"persisted_at,omitempty"`
	SinkResults map[Target]string `json:"sink_results,omitempty"`
}

// TestTypeLabel is the human-readable test type recorded in each sink row.
func (v *ValidatedMeasurement) TestTypeLabel() string {
	switch v.Reading.Mode {
	case ModeLsRs:
		return "Ls-Rs"
	case ModeCsRs:
		return "Cs-Rs"
	case ModeCpRp:
		return "Cp-Rp"
	case ModeResistance:
		return "4pt-Ohm"
	}
	return string(v.Reading.Mode)
}
