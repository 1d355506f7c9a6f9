package event_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryci/gantry/pkg/event"
)

func pushEvent(paths ...string) *event.Event {
	return &event.Event{Kind: event.Push, Ref: "refs/heads/main", ChangedPaths: paths}
}

func prEvent(action string, paths ...string) *event.Event {
	return &event.Event{Kind: event.PullRequest, Action: action, Ref: "refs/heads/main", ChangedPaths: paths}
}

func TestMatchPush(t *testing.T) {
	t.Parallel()

	triggers := event.Triggers{Push: &event.PushTrigger{}}

	ok, reason := event.Match(triggers, pushEvent("pkg/a.go"))
	assert.True(t, ok, reason)

	ok, reason = event.Match(event.Triggers{}, pushEvent("pkg/a.go"))
	assert.False(t, ok)
	assert.Contains(t, reason, "no push trigger")
}

func TestMatchPushBranchFilter(t *testing.T) {
	t.Parallel()

	triggers := event.Triggers{Push: &event.PushTrigger{Branches: []string{"main", "release/*"}}}

	ok, _ := event.Match(triggers, pushEvent())
	assert.True(t, ok)

	ok, _ = event.Match(triggers, &event.Event{Kind: event.Push, Ref: "refs/heads/release/1.2"})
	assert.True(t, ok)

	ok, reason := event.Match(triggers, &event.Event{Kind: event.Push, Ref: "refs/heads/wip"})
	assert.False(t, ok)
	assert.Contains(t, reason, "branch wip")
}

func TestMatchSkipsMarkdownOnlyChanges(t *testing.T) {
	t.Parallel()

	triggers := event.Triggers{Push: &event.PushTrigger{PathsIgnore: []string{"*.md"}}}

	// Markdown anywhere in the tree counts, not just at the root.
	ok, reason := event.Match(triggers, pushEvent("README.md", "docs/usage.md"))
	assert.False(t, ok)
	assert.Contains(t, reason, "paths_ignore")

	// One real change is enough to run.
	ok, _ = event.Match(triggers, pushEvent("README.md", "pkg/a.go"))
	assert.True(t, ok)

	// No path information means the event runs (manual trigger).
	ok, _ = event.Match(triggers, pushEvent())
	assert.True(t, ok)
}

func TestMatchPathsIgnorePatterns(t *testing.T) {
	t.Parallel()

	triggers := event.Triggers{Push: &event.PushTrigger{PathsIgnore: []string{"docs/**", "*.txt"}}}

	ok, _ := event.Match(triggers, pushEvent("docs/a/b.rst", "notes.txt"))
	assert.False(t, ok)

	ok, _ = event.Match(triggers, pushEvent("docs/a/b.rst", "pkg/a.go"))
	assert.True(t, ok)
}

func TestMatchPullRequestActions(t *testing.T) {
	t.Parallel()

	triggers := event.Triggers{PullRequest: &event.PullRequestTrigger{}}

	for _, action := range []string{"opened", "synchronize", "reopened", "edited"} {
		ok, reason := event.Match(triggers, prEvent(action, "pkg/a.go"))
		assert.True(t, ok, "action %s: %s", action, reason)
	}

	ok, reason := event.Match(triggers, prEvent("closed", "pkg/a.go"))
	assert.False(t, ok)
	assert.Contains(t, reason, "action closed")
}

func TestMatchPullRequestCustomActions(t *testing.T) {
	t.Parallel()

	triggers := event.Triggers{PullRequest: &event.PullRequestTrigger{Actions: []string{"opened"}}}

	ok, _ := event.Match(triggers, prEvent("opened"))
	assert.True(t, ok)

	ok, _ = event.Match(triggers, prEvent("synchronize"))
	assert.False(t, ok)
}

func TestMatchRejectsInvalidEvents(t *testing.T) {
	t.Parallel()

	triggers := event.Triggers{Push: &event.PushTrigger{}}

	ok, reason := event.Match(triggers, &event.Event{Kind: "cron", Ref: "refs/heads/main"})
	require.False(t, ok)
	assert.Contains(t, reason, "unknown event kind")

	ok, reason = event.Match(event.Triggers{PullRequest: &event.PullRequestTrigger{}},
		&event.Event{Kind: event.PullRequest, Ref: "refs/heads/main"})
	require.False(t, ok)
	assert.Contains(t, reason, "without an action")
}
