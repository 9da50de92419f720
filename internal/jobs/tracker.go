package jobs

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"meeting-taskflow/internal/domain"
)

// ErrUnknownJob is returned when a job id is not tracked.
var ErrUnknownJob = errors.New("unknown job")

// Tracker holds every in-flight job and enforces its state machine.
// Jobs leave the tracker once they reach a resting state.
type Tracker struct {
	mu     sync.RWMutex
	active map[string]domain.Job
	events *EventBus
	now    func() time.Time
}

// NewTracker creates an empty tracker publishing to events.
func NewTracker(events *EventBus) *Tracker {
	return NewTrackerForTests(events, time.Now)
}

// NewTrackerForTests allows clock injection.
func NewTrackerForTests(events *EventBus, now func() time.Time) *Tracker {
	if events == nil {
		events = NewEventBus(0)
	}
	return &Tracker{
		active: make(map[string]domain.Job),
		events: events,
		now:    now,
	}
}

// Events returns the bus transitions are published to.
func (t *Tracker) Events() *EventBus {
	return t.events
}

// Begin registers a job. Upload jobs start as uploaded and extraction jobs
// start as transcribed. A missing id is generated.
func (t *Tracker) Begin(job domain.Job) (domain.Job, error) {
	switch job.Kind {
	case domain.JobKindUpload:
		job.Status = domain.JobStatusUploaded
	case domain.JobKindExtraction:
		job.Status = domain.JobStatusTranscribed
	default:
		return domain.Job{}, fmt.Errorf("unsupported job kind %q", job.Kind)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAt = t.now().UTC()

	t.mu.Lock()
	if _, exists := t.active[job.ID]; exists {
		t.mu.Unlock()
		return domain.Job{}, fmt.Errorf("job %s already tracked", job.ID)
	}
	t.active[job.ID] = job
	t.mu.Unlock()

	t.events.Publish(Event{JobID: job.ID, Kind: job.Kind, Type: EventTypeStatus, Status: job.Status})
	return job, nil
}

// Update mutates descriptive fields of an active job. Status changes must go through Transition.
func (t *Tracker) Update(id string, fn func(job *domain.Job)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	status := job.Status
	fn(&job)
	job.Status = status
	t.active[id] = job
	return nil
}

// Transition validates and applies one state change and publishes it.
func (t *Tracker) Transition(id string, status domain.JobStatus, message string) error {
	job, err := t.apply(id, status)
	if err != nil {
		return err
	}
	t.events.Publish(Event{
		JobID:   job.ID,
		Kind:    job.Kind,
		Type:    EventTypeStatus,
		Status:  status,
		Message: message,
	})
	return nil
}

// Fail moves a job into a failure status and publishes the error with any worker context.
func (t *Tracker) Fail(id string, status domain.JobStatus, cause error) error {
	job, err := t.apply(id, status)
	if err != nil {
		return err
	}

	event := Event{
		JobID:  job.ID,
		Kind:   job.Kind,
		Type:   EventTypeError,
		Status: status,
	}
	if cause != nil {
		event.Message = cause.Error()
	}
	var pErr *domain.PipelineError
	if errors.As(cause, &pErr) {
		event.Message = pErr.Message
		event.Command = pErr.CommandLog.Command
		event.Args = pErr.CommandLog.Args
		event.ExitCode = pErr.CommandLog.ExitCode
		event.Stderr = pErr.CommandLog.Stderr
	}
	t.events.Publish(event)
	return nil
}

// Result publishes an informational result event for an active or just-finished job.
func (t *Tracker) Result(id string, kind domain.JobKind, message string) {
	t.events.Publish(Event{JobID: id, Kind: kind, Type: EventTypeResult, Message: message})
}

// Get returns a snapshot of one active job.
func (t *Tracker) Get(id string) (domain.Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.active[id]
	return job, ok
}

// Active returns a snapshot of every in-flight job, oldest first.
func (t *Tracker) Active() []domain.Job {
	t.mu.RLock()
	out := lo.Values(t.active)
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

func (t *Tracker) apply(id string, status domain.JobStatus) (domain.Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.active[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if !isValidTransition(job.Status, status) {
		return domain.Job{}, fmt.Errorf("invalid transition: %s -> %s", job.Status, status)
	}

	job.Status = status
	if isResting(job) {
		delete(t.active, id)
	} else {
		t.active[id] = job
	}
	return job, nil
}

// isResting reports whether a job needs no further tracking. An upload
// finishes at transcribed; extraction picks up from there as a new job.
func isResting(job domain.Job) bool {
	if job.Status.IsTerminal() {
		return true
	}
	return job.Kind == domain.JobKindUpload && job.Status == domain.JobStatusTranscribed
}

// isValidTransition enforces the allowed job state machine edges.
func isValidTransition(from, to domain.JobStatus) bool {
	switch from {
	case domain.JobStatusUploaded:
		return to == domain.JobStatusValidated || to == domain.JobStatusRejected || to == domain.JobStatusCancelled
	case domain.JobStatusValidated:
		return to == domain.JobStatusStaged || to == domain.JobStatusRejected ||
			to == domain.JobStatusStagingFailed || to == domain.JobStatusCancelled
	case domain.JobStatusStaged:
		return to == domain.JobStatusTranscribing || to == domain.JobStatusTranscriptionFailed ||
			to == domain.JobStatusCancelled
	case domain.JobStatusTranscribing:
		return to == domain.JobStatusTranscribed || to == domain.JobStatusTranscriptionFailed ||
			to == domain.JobStatusCancelled
	case domain.JobStatusTranscribed:
		return to == domain.JobStatusExtracting || to == domain.JobStatusRejected || to == domain.JobStatusCancelled
	case domain.JobStatusExtracting:
		return to == domain.JobStatusExtracted || to == domain.JobStatusExtractionFailed ||
			to == domain.JobStatusCancelled
	default:
		return false
	}
}
