package build

import (
	"errors"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/cochaviz/ostforge/arch"
	"github.com/cochaviz/ostforge/internal/drivers"
)

// State is a step of the job state machine.
type State string

// Job states in the order they are entered. Signing, Rechunking and ISO are
// skipped when not needed; Pushing is skipped when publishing is disabled.
const (
	StatePending    State = "pending"
	StateResolving  State = "resolving"
	StateRendering  State = "rendering"
	StateBuilding   State = "building"
	StateSigning    State = "signing"
	StatePushing    State = "pushing"
	StateRechunking State = "rechunking"
	StateISO        State = "iso"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// ErrCancelled is the cause of jobs stopped by cancellation.
var ErrCancelled = errors.New("cancelled")

// Job identifies one recipe and architecture build.
type Job struct {
	ID     string
	Recipe string // Path of the root recipe document.
	Arch   arch.Architecture
	// MultiArch is set when the batch builds several architectures, so
	// published tags carry an architecture suffix.
	MultiArch bool
}

// Label names the job in logs and output prefixes.
func (j Job) Label() string {
	return j.Recipe + "/" + j.Arch.String()
}

// JobResult is the terminal state of a job.
type JobResult struct {
	JobID   string            `json:"job_id"`
	Recipe  string            `json:"recipe"`
	Name    string            `json:"name,omitempty"`
	Arch    arch.Architecture `json:"arch"`
	Backend drivers.Backend   `json:"backend,omitempty"`

	State       State   `json:"state"`
	FailedStage State   `json:"failed_stage,omitempty"`
	Cause       error   `json:"-"`
	CauseText   string  `json:"cause,omitempty"`
	Transitions []State `json:"transitions"`
	// Attempts counts backend invocations per retried stage.
	Attempts map[State]int `json:"attempts,omitempty"`

	Definition   digest.Digest `json:"definition,omitempty"`
	Image        string        `json:"image,omitempty"`
	Destinations []string      `json:"destinations,omitempty"`
	Signed       bool          `json:"signed,omitempty"`
	Notes        []string      `json:"notes,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Succeeded reports whether the job reached Done.
func (r JobResult) Succeeded() bool {
	return r.State == StateDone
}

// Cancelled reports whether the job failed because of cancellation.
func (r JobResult) Cancelled() bool {
	return errors.Is(r.Cause, ErrCancelled)
}
