// models/rules.go
package models

import (
	"fmt"
	"time"
)

type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyWeekdays Frequency = "weekdays"
	FrequencyCustom   Frequency = "custom"
)

type VerificationMode string

const (
	VerificationAuto   VerificationMode = "auto"
	VerificationQuorum VerificationMode = "quorum"
)

type WindowScope string

const (
	ScopeParticipantLocal WindowScope = "participant_local"
	ScopeChallengeTZ      WindowScope = "challenge_tz"
)

type ProofType string

const (
	ProofSelfie          ProofType = "selfie"
	ProofEnvPhoto        ProofType = "env_photo"
	ProofText            ProofType = "text"
	ProofTimerScreenshot ProofType = "timer_screenshot"
)

// ClockTime is a wall-clock time of day with minute precision.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" (seconds optional and ignored).
func ParseClock(s string) (ClockTime, error) {
	var h, m, sec int
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); err != nil {
		if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
			return ClockTime{}, fmt.Errorf("invalid clock time %q", s)
		}
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return ClockTime{}, fmt.Errorf("clock time %q out of range", s)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

func (c ClockTime) After(o ClockTime) bool {
	return c.Hour*60+c.Minute > o.Hour*60+o.Minute
}

// TimeWindow is the recurring local submission window of a challenge.
type TimeWindow struct {
	Start    string      `json:"start"` // "HH:MM"
	End      string      `json:"end"`   // "HH:MM"; end <= start spans midnight
	Timezone string      `json:"timezone"`
	Scope    WindowScope `json:"scope"`
}

func (w TimeWindow) StartClock() (ClockTime, error) { return ParseClock(w.Start) }
func (w TimeWindow) EndClock() (ClockTime, error)   { return ParseClock(w.End) }

type Verification struct {
	Mode      VerificationMode `json:"mode"`
	QuorumPct int              `json:"quorum_pct"`
}

// ClampedQuorumPct keeps the configured percentage inside [50,100].
func (v Verification) ClampedQuorumPct() int {
	if v.QuorumPct < 50 {
		return 50
	}
	if v.QuorumPct > 100 {
		return 100
	}
	return v.QuorumPct
}

// Rules is the validated challenge configuration. It is checked once at
// challenge creation and stored as JSON on the challenge row; readers may
// assume a stored Rules value already passed Validate.
type Rules struct {
	Frequency  Frequency  `json:"frequency"`
	TimeWindow TimeWindow `json:"time_window"`
	// CustomWeekdays lists allowed weekday indices (0=Monday..6=Sunday).
	// Required iff Frequency == custom.
	CustomWeekdays []int        `json:"custom_weekdays,omitempty"`
	ProofTypes     []ProofType  `json:"proof_types"`
	Verification   Verification `json:"verification"`
	Grace          int          `json:"grace"`
	PenaltyTokens  int64        `json:"penalty_tokens"`

	AntiCheatOverlayRequired bool `json:"anti_cheat_overlay_required"`
	AntiCheatExifRequired    bool `json:"anti_cheat_exif_required"`
	AntiCheatPhashCheck      bool `json:"anti_cheat_phash_check"`

	MaxPerSlot int `json:"max_per_slot"`
	// Stages, when set, names the ordered steps of a multi-step submission.
	Stages []string `json:"stages,omitempty"`
}

// Validate rejects malformed rules up front so nothing downstream has to
// re-check them.
func (r Rules) Validate() error {
	switch r.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyWeekdays:
	case FrequencyCustom:
		if len(r.CustomWeekdays) == 0 {
			return fmt.Errorf("custom frequency requires custom_weekdays")
		}
		for _, d := range r.CustomWeekdays {
			if d < 0 || d > 6 {
				return fmt.Errorf("custom weekday %d out of range 0..6", d)
			}
		}
	default:
		return fmt.Errorf("unknown frequency %q", r.Frequency)
	}

	if _, err := r.TimeWindow.StartClock(); err != nil {
		return err
	}
	if _, err := r.TimeWindow.EndClock(); err != nil {
		return err
	}
	switch r.TimeWindow.Scope {
	case ScopeParticipantLocal, ScopeChallengeTZ:
	default:
		return fmt.Errorf("unknown window scope %q", r.TimeWindow.Scope)
	}
	if r.TimeWindow.Timezone != "" {
		if _, err := time.LoadLocation(r.TimeWindow.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q", r.TimeWindow.Timezone)
		}
	}

	if len(r.ProofTypes) == 0 {
		return fmt.Errorf("proof_types must not be empty")
	}
	for _, pt := range r.ProofTypes {
		switch pt {
		case ProofSelfie, ProofEnvPhoto, ProofText, ProofTimerScreenshot:
		default:
			return fmt.Errorf("unknown proof type %q", pt)
		}
	}

	switch r.Verification.Mode {
	case VerificationAuto, VerificationQuorum:
	default:
		return fmt.Errorf("unknown verification mode %q", r.Verification.Mode)
	}
	if r.Verification.QuorumPct < 50 || r.Verification.QuorumPct > 100 {
		return fmt.Errorf("quorum_pct must be within [50,100], got %d", r.Verification.QuorumPct)
	}

	if r.Grace < 0 {
		return fmt.Errorf("grace must be >= 0")
	}
	if r.PenaltyTokens < 0 {
		return fmt.Errorf("penalty_tokens must be >= 0")
	}
	if r.MaxPerSlot < 1 {
		return fmt.Errorf("max_per_slot must be >= 1")
	}
	return nil
}

// GoverningTimezone resolves which zone anchors this rule's windows for a
// given participant.
func (r Rules) GoverningTimezone(participantTZ string) string {
	if r.TimeWindow.Scope == ScopeChallengeTZ {
		if r.TimeWindow.Timezone != "" {
			return r.TimeWindow.Timezone
		}
		return "UTC"
	}
	return participantTZ
}

// AllowsWeekday reports whether a custom-frequency rule permits the given
// weekday index (0=Monday..6=Sunday).
func (r Rules) AllowsWeekday(idx int) bool {
	for _, d := range r.CustomWeekdays {
		if d == idx {
			return true
		}
	}
	return false
}

// AllowsProof reports whether the rule accepts the given proof type.
func (r Rules) AllowsProof(pt ProofType) bool {
	for _, p := range r.ProofTypes {
		if p == pt {
			return true
		}
	}
	return false
}

// StageIndex returns the position of a named stage, or -1 when the rule has
// no such stage.
func (r Rules) StageIndex(stage string) int {
	for i, st := range r.Stages {
		if st == stage {
			return i
		}
	}
	return -1
}
