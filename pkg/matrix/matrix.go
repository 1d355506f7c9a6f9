// Package matrix expands build matrices: the cross product of named
// dimensions, minus exclusions, in a deterministic order. Each entry becomes
// an independent job instance.
package matrix

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Spec declares the dimensions of a matrix. FailFast decides whether one
// failing entry cancels the others.
type Spec struct {
	Dimensions map[string][]string
	Exclude    []map[string]string
	FailFast   bool
}

// Entry is one point of the expanded matrix.
type Entry map[string]string

// Validate checks the spec for empty dimensions and exclusions that name
// unknown dimensions or values.
func (s *Spec) Validate() error {
	for name, values := range s.Dimensions {
		if name == "" {
			return eris.New("matrix dimension with empty name")
		}
		if len(values) == 0 {
			return eris.Errorf("matrix dimension %s has no values", name)
		}

		seen := map[string]bool{}
		for _, value := range values {
			if seen[value] {
				return eris.Errorf("matrix dimension %s lists %s twice", name, value)
			}
			seen[value] = true
		}
	}

	for _, exclude := range s.Exclude {
		if len(exclude) == 0 {
			return eris.New("empty matrix exclusion")
		}

		for name, value := range exclude {
			values, ok := s.Dimensions[name]
			if !ok {
				return eris.Errorf("matrix exclusion names unknown dimension %s", name)
			}

			found := false
			for _, candidate := range values {
				if candidate == value {
					found = true
					break
				}
			}
			if !found {
				return eris.Errorf("matrix exclusion names unknown value %s for dimension %s", value, name)
			}
		}
	}

	return nil
}

// Expand returns the cross product of all dimensions minus exclusions.
// Dimension names are iterated in sorted order and value order is preserved,
// so the result is stable across runs. An empty spec expands to a single
// empty entry.
func Expand(s *Spec) ([]Entry, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(s.Dimensions))
	for name := range s.Dimensions {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := []Entry{{}}
	for _, name := range names {
		var next []Entry
		for _, entry := range entries {
			for _, value := range s.Dimensions[name] {
				widened := make(Entry, len(entry)+1)
				for key, val := range entry {
					widened[key] = val
				}
				widened[name] = value
				next = append(next, widened)
			}
		}
		entries = next
	}

	var result []Entry
	for _, entry := range entries {
		if !excluded(entry, s.Exclude) {
			result = append(result, entry)
		}
	}

	return result, nil
}

func excluded(entry Entry, exclusions []map[string]string) bool {
	for _, exclude := range exclusions {
		match := true
		for name, value := range exclude {
			if entry[name] != value {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}

	return false
}

// Env projects the entry onto MATRIX_* environment variables so steps can
// read their coordinates.
func (e Entry) Env() map[string]string {
	env := make(map[string]string, len(e))
	for name, value := range e {
		env["MATRIX_"+strings.ToUpper(name)] = value
	}

	return env
}

// Label renders the entry as a job name suffix like "(linux, 3.9)". The
// empty entry has no label.
func (e Entry) Label() string {
	if len(e) == 0 {
		return ""
	}

	names := make([]string, 0, len(e))
	for name := range e {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]string, len(names))
	for idx, name := range names {
		values[idx] = e[name]
	}

	return fmt.Sprintf("(%s)", strings.Join(values, ", "))
}

// Matches reports whether every condition key matches the entry. Steps use
// this for their only-conditions; an empty condition always matches.
func (e Entry) Matches(cond map[string]string) bool {
	for name, value := range cond {
		if e[name] != value {
			return false
		}
	}

	return true
}
