package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// ErrIllegalTransition is returned when a stage change would violate the
// session state machine.
var ErrIllegalTransition = eris.New("model: illegal stage transition")

// SourceType identifies the shape of a raw scan payload.
type SourceType string

const (
	SourcePastedText   SourceType = "pasted_text"
	SourceCSV          SourceType = "csv"
	SourceImageOCR     SourceType = "image_ocr"
	SourceSocialExport SourceType = "social_export"
)

// Valid reports whether s is one of the known source types.
func (s SourceType) Valid() bool {
	switch s {
	case SourcePastedText, SourceCSV, SourceImageOCR, SourceSocialExport:
		return true
	}
	return false
}

// Stage is a step of the scan pipeline. The set of stages is closed; values
// other than the constants below are rejected by ParseStage.
type Stage string

const (
	StageIdle          Stage = "idle"
	StagePreprocessing Stage = "preprocessing"
	StageParsing       Stage = "parsing"
	StageEnriching     Stage = "enriching"
	StageDeepIntel     Stage = "deep_intel"
	StageScoring       Stage = "scoring"
	StageComplete      Stage = "complete"
	StageFailed        Stage = "failed"
)

// stageOrder is the successful-run sequence. StageFailed sits outside it.
var stageOrder = []Stage{
	StageIdle,
	StagePreprocessing,
	StageParsing,
	StageEnriching,
	StageDeepIntel,
	StageScoring,
	StageComplete,
}

// stageProgress is the progressPercent recorded on entering each stage.
var stageProgress = map[Stage]int{
	StageIdle:          0,
	StagePreprocessing: 10,
	StageParsing:       25,
	StageEnriching:     45,
	StageDeepIntel:     65,
	StageScoring:       85,
	StageComplete:      100,
	StageFailed:        0,
}

// RunStages returns the stages an orchestrator walks through after idle, in order.
func RunStages() []Stage {
	out := make([]Stage, len(stageOrder)-1)
	copy(out, stageOrder[1:])
	return out
}

// ParseStage converts a persisted stage name back into a Stage.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if st == StageFailed {
		return st, nil
	}
	if st.Index() < 0 {
		return "", eris.Errorf("model: unknown stage %q", s)
	}
	return st, nil
}

// Index returns the position of s in the successful-run order, or -1 for
// StageFailed and unknown values.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Progress returns the progress percentage associated with entering s.
func (s Stage) Progress() int {
	return stageProgress[s]
}

// Terminal reports whether no further transition is allowed from s.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// Next returns the stage following s on a successful run.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i >= len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[i+1], true
}

// CanTransition reports whether moving from s to to is legal: one step
// forward along the run order, or into StageFailed from any non-terminal stage.
func (s Stage) CanTransition(to Stage) bool {
	if s.Terminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	next, ok := s.Next()
	return ok && next == to
}

// ScanSession tracks one run of the scan-to-score pipeline.
type ScanSession struct {
	ID              string     `json:"id"`
	OwnerUserID     string     `json:"owner_user_id"`
	SourceType      SourceType `json:"source_type"`
	RawPayload      string     `json:"raw_payload,omitempty"`
	Stage           Stage      `json:"stage"`
	ProgressPercent int        `json:"progress_percent"`
	StatusMessage   string     `json:"status_message,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SessionStatus is the externally visible progress of a session.
type SessionStatus struct {
	Stage           Stage   `json:"stage"`
	ProgressPercent int     `json:"progress_percent"`
	ErrorMessage    *string `json:"error_message,omitempty"`
}

// Status returns the externally visible progress of the session.
func (s *ScanSession) Status() SessionStatus {
	return SessionStatus{
		Stage:           s.Stage,
		ProgressPercent: s.ProgressPercent,
		ErrorMessage:    s.ErrorMessage,
	}
}

// Transition is a validated stage change. It can only be built through
// ScanSession.Advance, ScanSession.Fail or ForceComplete, so stores never
// receive an unchecked stage write.
type Transition struct {
	sessionID string
	from      Stage
	to        Stage
	progress  int
	message   string
	errMsg    *string
	at        time.Time
}

func (t Transition) SessionID() string { return t.sessionID }
func (t Transition) From() Stage { return t.from }
func (t Transition) To() Stage { return t.to }
func (t Transition) Progress() int { return t.progress }
func (t Transition) Message() string { return t.message }
func (t Transition) ErrorMessage() *string { return t.errMsg }
func (t Transition) At() time.Time { return t.at }

// Advance validates a forward move to the next stage and returns the
// transition to persist. The session value is updated in place.
func (s *ScanSession) Advance(to Stage, message string, now time.Time) (Transition, error) {
	if to == StageFailed || !s.Stage.CanTransition(to) {
		return Transition{}, eris.Wrapf(ErrIllegalTransition, "%s -> %s", s.Stage, to)
	}
	progress := to.Progress()
	if progress < s.ProgressPercent {
		progress = s.ProgressPercent
	}
	t := Transition{
		sessionID: s.ID,
		from:      s.Stage,
		to:        to,
		progress:  progress,
		message:   message,
		at:        now,
	}
	s.apply(t)
	return t, nil
}

// Fail moves the session into StageFailed with progress reset to 0.
func (s *ScanSession) Fail(errMsg string, now time.Time) (Transition, error) {
	if !s.Stage.CanTransition(StageFailed) {
		return Transition{}, eris.Wrapf(ErrIllegalTransition, "%s -> %s", s.Stage, StageFailed)
	}
	msg := errMsg
	t := Transition{
		sessionID: s.ID,
		from:      s.Stage,
		to:        StageFailed,
		progress:  0,
		message:   "scan failed",
		errMsg:    &msg,
		at:        now,
	}
	s.apply(t)
	return t, nil
}

// ForceComplete builds the reconciliation transition for a session stuck in
// a non-terminal stage whose work already finished.
func (s *ScanSession) ForceComplete(now time.Time) (Transition, error) {
	if s.Stage.Terminal() {
		return Transition{}, eris.Wrapf(ErrIllegalTransition, "%s -> %s", s.Stage, StageComplete)
	}
	t := Transition{
		sessionID: s.ID,
		from:      s.Stage,
		to:        StageComplete,
		progress:  100,
		message:   "reconciled: marked complete",
		at:        now,
	}
	s.apply(t)
	return t, nil
}

func (s *ScanSession) apply(t Transition) {
	s.Stage = t.to
	s.ProgressPercent = t.progress
	s.StatusMessage = t.message
	s.ErrorMessage = t.errMsg
	s.UpdatedAt = t.at
}

// ProgressEvent is an immutable record appended on each stage entry.
type ProgressEvent struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	Stage           Stage     `json:"stage"`
	ProgressPercent int       `json:"progress_percent"`
	Message         string    `json:"message"`
	CreatedAt       time.Time `json:"created_at"`
}

// EventFor builds the progress event that accompanies a transition.
func EventFor(t Transition) ProgressEvent {
	return ProgressEvent{
		SessionID:       t.sessionID,
		Stage:           t.to,
		ProgressPercent: t.progress,
		Message:         t.message,
		CreatedAt:       t.at,
	}
}
