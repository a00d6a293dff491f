package matrix

import (
	"fmt"
	"sort"
	"strings"
)

// Override applies extra environment to jobs whose coordinates match When.
type Override struct {
	When        map[string]string
	Environment map[string]string
}

// Matrix is a full matrix definition: axes plus exclusions and environment.
type Matrix struct {
	Axes []Axis

	// Exclude removes every job matching all coordinates of an entry.
	Exclude []map[string]string

	// Environment is applied to every job.
	Environment map[string]string

	// Overrides are applied in order after Environment; later entries win.
	Overrides []Override
}

// Jobs expands the matrix and attaches environment and the planned stages.
//
// Job environment precedence, lowest first: Environment, matching Overrides
// in declaration order, MATRIX_<AXIS> coordinate variables.
func (m Matrix) Jobs(stages []string) ([]JobSpec, error) {
	if err := m.validateRefs(); err != nil {
		return nil, err
	}

	expanded, err := Expand(m.Axes)
	if err != nil {
		return nil, err
	}

	jobs := make([]JobSpec, 0, len(expanded))
	for _, j := range expanded {
		if m.excluded(j) {
			continue
		}

		env := make(map[string]string, len(m.Environment)+len(j.env))
		for k, v := range m.Environment {
			env[k] = v
		}
		for _, o := range m.Overrides {
			if matches(j, o.When) {
				for k, v := range o.Environment {
					env[k] = v
				}
			}
		}
		for k, v := range j.env {
			env[k] = v
		}

		planned := make([]string, len(stages))
		copy(planned, stages)
		jobs = append(jobs, JobSpec{coords: j.coords, env: env, stages: planned})
	}
	return jobs, nil
}

func (m Matrix) excluded(j JobSpec) bool {
	for _, ex := range m.Exclude {
		if matches(j, ex) {
			return true
		}
	}
	return false
}

// validateRefs rejects exclude/override entries naming unknown axes.
func (m Matrix) validateRefs() error {
	known := make(map[string]struct{}, len(m.Axes))
	for _, a := range m.Axes {
		known[a.Name] = struct{}{}
	}
	check := func(kind string, i int, when map[string]string) error {
		if len(when) == 0 {
			return &AxisError{Message: fmt.Sprintf("%s[%d] is empty", kind, i)}
		}
		for _, axis := range sortedKeys(when) {
			if _, ok := known[axis]; !ok {
				return &AxisError{Axis: axis, Message: fmt.Sprintf("%s[%d] references unknown axis", kind, i)}
			}
		}
		return nil
	}
	for i, ex := range m.Exclude {
		if err := check("exclude", i, ex); err != nil {
			return err
		}
	}
	for i, o := range m.Overrides {
		if err := check("overrides", i, o.When); err != nil {
			return err
		}
	}
	return nil
}

func matches(j JobSpec, when map[string]string) bool {
	if len(when) == 0 {
		return false
	}
	for axis, want := range when {
		got, ok := j.Value(axis)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Selector restricts a job list to given axis values.
//
// Values for the same axis are alternatives; different axes must all match.
type Selector map[string][]string

// ParseSelector parses "axis=value" expressions (as given to --only flags).
func ParseSelector(exprs []string) (Selector, error) {
	sel := Selector{}
	for _, expr := range exprs {
		axis, value, ok := strings.Cut(expr, "=")
		axis = strings.TrimSpace(axis)
		if !ok || axis == "" {
			return nil, &AxisError{Message: fmt.Sprintf("invalid selector %q (want axis=value)", expr)}
		}
		sel[axis] = append(sel[axis], strings.TrimSpace(value))
	}
	return sel, nil
}

// Select returns the jobs matching the selector, preserving order.
// An empty selector returns jobs unchanged.
func Select(jobs []JobSpec, sel Selector) []JobSpec {
	if len(sel) == 0 {
		return jobs
	}
	out := make([]JobSpec, 0, len(jobs))
	for _, j := range jobs {
		if sel.matches(j) {
			out = append(out, j)
		}
	}
	return out
}

func (s Selector) matches(j JobSpec) bool {
	for axis, values := range s {
		got, ok := j.Value(axis)
		if !ok {
			return false
		}
		found := false
		for _, v := range values {
			if v == got {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
