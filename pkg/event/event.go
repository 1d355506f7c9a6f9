// Package event models the trigger surface of a workflow: push and pull
// request events, branch filters and the paths-ignore rule that keeps
// documentation-only changes from burning a full build.
package event

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// Kind is the event type.
type Kind string

const (
	Push        Kind = "push"
	PullRequest Kind = "pull_request"
)

// Event is a decoded trigger event.
type Event struct {
	Kind         Kind     `json:"kind"`
	Action       string   `json:"action,omitempty"`
	Ref          string   `json:"ref"`
	Repo         string   `json:"repo,omitempty"`
	Delivery     string   `json:"delivery,omitempty"`
	ChangedPaths []string `json:"changed_paths,omitempty"`
}

// Decode parses a JSON event payload.
func Decode(r io.Reader) (*Event, error) {
	var ev Event
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&ev); err != nil {
		return nil, eris.Wrap(err, "failed to decode event payload")
	}

	if err := ev.Check(); err != nil {
		return nil, err
	}

	return &ev, nil
}

// Check validates the event shape.
func (ev *Event) Check() error {
	switch ev.Kind {
	case Push:
		if ev.Action != "" {
			return eris.Errorf("push events carry no action, got %q", ev.Action)
		}
	case PullRequest:
		if ev.Action == "" {
			return eris.New("pull request event without an action")
		}
	default:
		return eris.Errorf("unknown event kind %q", ev.Kind)
	}

	if ev.Ref == "" {
		return eris.New("event without a ref")
	}

	return nil
}

// ShortRef strips the refs/heads/ or refs/tags/ prefix for filter matching
// and display.
func (ev *Event) ShortRef() string {
	for _, prefix := range []string{"refs/heads/", "refs/tags/"} {
		if strings.HasPrefix(ev.Ref, prefix) {
			return strings.TrimPrefix(ev.Ref, prefix)
		}
	}

	return ev.Ref
}
