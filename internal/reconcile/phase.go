package reconcile

import "encoding/json"

// Phase is the step a reconciliation run reached.
type Phase int

const (
	PhaseCheckingEnablement Phase = iota
	PhaseFetchingMetadata
	PhaseFetchingMessages
	PhaseClearingLocal
	PhaseImporting
	PhaseSelectingFirst
	PhaseLoadingMessages
	PhaseDone
	PhaseAborted
	PhaseError
)

var phaseNames = map[Phase]string{
	PhaseCheckingEnablement: "checking-enablement",
	PhaseFetchingMetadata:   "fetching-metadata",
	PhaseFetchingMessages:   "fetching-messages",
	PhaseClearingLocal:      "clearing-local",
	PhaseImporting:          "importing",
	PhaseSelectingFirst:     "selecting-first",
	PhaseLoadingMessages:    "loading-messages",
	PhaseDone:               "done",
	PhaseAborted:            "aborted",
	PhaseError:              "error",
}

func (p Phase) String() string {
	if n, ok := phaseNames[p]; ok {
		return n
	}
	return "unknown"
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// Status is how a run ended.
type Status int

const (
	// StatusDone: local sessions mirror the remote directory.
	StatusDone Status = iota
	// StatusAborted: the active context or token changed mid-run; nothing
	// further was written.
	StatusAborted
	// StatusDisabled: the assistant is off for the context.
	StatusDisabled
	// StatusFallback: the remote could not be read and a fresh session was
	// started instead.
	StatusFallback
	// StatusIdle: there was no active context to reconcile.
	StatusIdle
)

var statusNames = map[Status]string{
	StatusDone:     "done",
	StatusAborted:  "aborted",
	StatusDisabled: "disabled",
	StatusFallback: "fallback",
	StatusIdle:     "idle",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
