package registry

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Status describes the outcome of a run, job or step.
type Status string

const (
	StatusPassed   Status = "passed"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
	StatusCanceled Status = "canceled"
)

// StepReport is the recorded outcome of a single step.
type StepReport struct {
	Name     string
	Status   Status
	Output   string
	Error    string        `json:",omitempty"`
	Duration time.Duration
}

// JobReport is the recorded outcome of one job instance, including the
// matrix values it ran under.
type JobReport struct {
	Name     string
	Matrix   map[string]string `json:",omitempty"`
	Status   Status
	Steps    []StepReport
	Duration time.Duration
}

// Run is a finished workflow run. Reason is only set for skipped runs and
// explains why the trigger did not fire.
type Run struct {
	ID         string
	Workflow   string
	Trigger    string
	Ref        string
	Status     Status
	Reason     string `json:",omitempty"`
	StartedAt  time.Time
	FinishedAt time.Time
	Jobs       []JobReport
}

// Duration returns the wall time of the run.
func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Runs are keyed by start time so the bucket iterates in chronological
// order; the ID suffix keeps simultaneous runs distinct.
func runKey(run *Run) []byte {
	return []byte(run.StartedAt.UTC().Format(time.RFC3339Nano) + "#" + run.ID)
}

// PutRun stores a finished run.
func (s *Store) PutRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return eris.New("run has no ID")
	}

	return s.BatchUpdate(ctx, func(ctx context.Context) error {
		encoded, err := json.Marshal(run)
		if err != nil {
			return eris.Wrap(err, "failed to encode run")
		}

		return txFromCtx(ctx).Bucket(runsBucket).Put(runKey(run), encoded)
	})
}

// GetRun looks up a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var result *Run
	err := s.BatchRead(ctx, func(ctx context.Context) error {
		cursor := txFromCtx(ctx).Bucket(runsBucket).Cursor()
		suffix := "#" + id

		for key, value := cursor.First(); key != nil; key, value = cursor.Next() {
			if !strings.HasSuffix(string(key), suffix) {
				continue
			}

			result = new(Run)
			return eris.Wrap(json.Unmarshal(value, result), "failed to decode run")
		}

		return eris.Errorf("no run with ID %s", id)
	})

	return result, err
}

// ListRuns returns runs newest first. A limit of 0 returns everything.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	var result []*Run
	err := s.BatchRead(ctx, func(ctx context.Context) error {
		cursor := txFromCtx(ctx).Bucket(runsBucket).Cursor()

		for key, value := cursor.Last(); key != nil; key, value = cursor.Prev() {
			if limit > 0 && len(result) >= limit {
				break
			}

			var run Run
			if err := json.Unmarshal(value, &run); err != nil {
				return eris.Wrap(err, "failed to decode run")
			}

			result = append(result, &run)
		}

		return nil
	})

	return result, err
}
