package schemas

import "time"

// Outcome is the result of executing one step.
type Outcome string

const (
	OutcomePassed       Outcome = "passed"
	OutcomeFailed       Outcome = "failed"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeInconclusive Outcome = "inconclusive"
)

// Result records the execution of one step.
type Result struct {
	StepIndex  int           `json:"step_index"`
	Name       string        `json:"name"`
	Kind       StepKind      `json:"kind"`
	Outcome    Outcome       `json:"outcome"`
	Diagnostic string        `json:"diagnostic,omitempty"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
	Err        error         `json:"-"`
}

// RunStatus is the terminal status of a test run.
type RunStatus string

const (
	StatusPassed RunStatus = "passed"
	StatusFailed RunStatus = "failed"
	// StatusError means the run could not start, for example the browser did not launch.
	StatusError RunStatus = "error"
)

// TestState is a state of the per-test lifecycle.
type TestState string

const (
	StateInitializing TestState = "initializing"
	StateRunning      TestState = "running"
	StateVerifying    TestState = "verifying"
	StatePassed       TestState = "passed"
	StateFailed       TestState = "failed"
	StateTearingDown  TestState = "tearing_down"
	StateDone         TestState = "done"
)

// Artifact is a diagnostic file captured for a failed run.
type Artifact struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// RequestRecord summarises one HTTP exchange observed through the capture proxy.
type RequestRecord struct {
	Method    string        `json:"method"`
	URL       string        `json:"url"`
	Status    int           `json:"status"`
	Bytes     int64         `json:"bytes"`
	Duration  time.Duration `json:"duration_ns"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}

// RunReport is the complete outcome of one test case.
type RunReport struct {
	RunID      string          `json:"run_id"`
	Suite      string          `json:"suite"`
	Test       string          `json:"test"`
	Status     RunStatus       `json:"status"`
	FailedStep int             `json:"failed_step"`
	Message    string          `json:"message,omitempty"`
	Results    []Result        `json:"results"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Artifacts  []Artifact      `json:"artifacts,omitempty"`
	Requests   []RequestRecord `json:"requests,omitempty"`
}

// Duration is the wall-clock time of the whole run including teardown.
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Count returns how many step results have the given outcome.
func (r *RunReport) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}
