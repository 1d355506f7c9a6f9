package event

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/pattern"
)

// DefaultActions are the pull request actions that trigger a run when a
// workflow does not narrow them itself.
var DefaultActions = []string{"opened", "synchronize", "reopened", "edited"}

// PushTrigger reacts to push events.
type PushTrigger struct {
	Branches    []string
	PathsIgnore []string
}

// PullRequestTrigger reacts to pull request events with one of the listed
// actions.
type PullRequestTrigger struct {
	Actions     []string
	Branches    []string
	PathsIgnore []string
}

// Triggers is the full trigger surface of a workflow. A nil trigger means
// the workflow does not react to that event kind.
type Triggers struct {
	Push        *PushTrigger
	PullRequest *PullRequestTrigger
}

// Match decides whether the event starts a run. The reason explains a
// negative decision in one line.
func Match(t Triggers, ev *Event) (bool, string) {
	if err := ev.Check(); err != nil {
		return false, err.Error()
	}

	switch ev.Kind {
	case Push:
		if t.Push == nil {
			return false, "workflow has no push trigger"
		}

		return matchFilters(ev, t.Push.Branches, t.Push.PathsIgnore)
	case PullRequest:
		if t.PullRequest == nil {
			return false, "workflow has no pull request trigger"
		}

		actions := t.PullRequest.Actions
		if len(actions) == 0 {
			actions = DefaultActions
		}
		if !containsString(actions, ev.Action) {
			return false, fmt.Sprintf("action %s is not in the trigger filter", ev.Action)
		}

		return matchFilters(ev, t.PullRequest.Branches, t.PullRequest.PathsIgnore)
	}

	return false, fmt.Sprintf("unknown event kind %s", ev.Kind)
}

func matchFilters(ev *Event, branches, pathsIgnore []string) (bool, string) {
	if len(branches) > 0 {
		branch := ev.ShortRef()
		matched := false
		for _, filter := range branches {
			ok, err := matchPattern(filter, branch)
			if err != nil {
				return false, err.Error()
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return false, fmt.Sprintf("branch %s is not in the trigger filter", ev.ShortRef())
		}
	}

	ignored, err := allIgnored(pathsIgnore, ev.ChangedPaths)
	if err != nil {
		return false, err.Error()
	}
	if ignored {
		return false, "every changed path matches paths_ignore"
	}

	return true, ""
}

// allIgnored reports whether every changed path matches one of the ignore
// patterns. Events without path information never count as ignored; they
// come from manual runs where skipping would be a surprise.
func allIgnored(patterns, paths []string) (bool, error) {
	if len(patterns) == 0 || len(paths) == 0 {
		return false, nil
	}

	for _, changed := range paths {
		matched := false
		for _, pat := range patterns {
			ok, err := matchPattern(pat, changed)
			if err != nil {
				return false, err
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}

	return true, nil
}

var (
	patternMtx   sync.Mutex
	patternCache = map[string]*regexp.Regexp{}
)

// matchPattern applies shell pattern semantics ("*" stays inside one path
// segment, "**" crosses them). Patterns without a slash also match against
// the basename so "*.md" catches Markdown files anywhere in the tree.
func matchPattern(pat, name string) (bool, error) {
	re, err := compilePattern(pat)
	if err != nil {
		return false, err
	}

	if re.MatchString(name) {
		return true, nil
	}
	if !strings.Contains(pat, "/") {
		return re.MatchString(path.Base(name)), nil
	}

	return false, nil
}

func compilePattern(pat string) (*regexp.Regexp, error) {
	patternMtx.Lock()
	defer patternMtx.Unlock()

	if re, ok := patternCache[pat]; ok {
		return re, nil
	}

	expr, err := pattern.Regexp(pat, pattern.Filenames|pattern.Braces|pattern.EntireString)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid pattern %q", pat)
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid pattern %q", pat)
	}

	patternCache[pat] = re
	return re, nil
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}

	return false
}
