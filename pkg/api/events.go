package api

import "time"

// EventType discriminates status events on a run's event stream.
type EventType string

const (
	// EventRunPhase reports a run-level phase transition.
	EventRunPhase EventType = "run.phase"
	// EventJobState reports a job state transition.
	EventJobState EventType = "job.state"
	// EventStepState reports a step state transition.
	EventStepState EventType = "step.state"
	// EventFuzzProgress reports periodic campaign throughput.
	EventFuzzProgress EventType = "fuzz.progress"
	// EventCrashFound reports a newly deduplicated crash.
	EventCrashFound EventType = "crash.found"
)

// StatusEvent is one entry on a run's ordered, finite event stream. The
// stream terminates once the run reaches a terminal phase.
type StatusEvent struct {
	Seq      uint64        `json:"seq"`
	Time     time.Time     `json:"time"`
	Type     EventType     `json:"type"`
	Run      RunHandle     `json:"run"`
	Job      string        `json:"job,omitempty"`
	Step     string        `json:"step,omitempty"`
	State    RunState      `json:"state,omitempty"`
	Phase    RunPhase      `json:"phase,omitempty"`
	Message  string        `json:"message,omitempty"`
	Progress *FuzzProgress `json:"progress,omitempty"`
	Crash    *CrashReport  `json:"crash,omitempty"`
}

// FuzzProgress summarizes a campaign's recent throughput and corpus growth.
type FuzzProgress struct {
	Iterations    int64   `json:"iterations"`
	ExecPerSec    float64 `json:"exec_per_sec"`
	CorpusSize    int     `json:"corpus_size"`
	CoveredEdges  int     `json:"covered_edges"`
	UniqueCrashes int     `json:"unique_crashes"`
}
