// Package matrix expands declarative build matrices into concrete jobs.
//
// A matrix is an ordered list of axes (platform, interpreter version, build
// variant, ...). Expansion computes the Cartesian product of the axis values
// in axis-declaration order, then in per-axis value order, so the same input
// always yields the same job sequence.
package matrix

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMatrix is the sentinel wrapped by all matrix definition errors.
var ErrInvalidMatrix = errors.New("invalid matrix")

// AxisError describes a malformed axis or matrix entry.
type AxisError struct {
	Axis    string
	Message string
}

func (e *AxisError) Error() string {
	if e.Axis == "" {
		return "matrix: " + e.Message
	}
	return fmt.Sprintf("matrix: axis %q: %s", e.Axis, e.Message)
}

func (e *AxisError) Unwrap() error {
	return ErrInvalidMatrix
}

// Axis is a named dimension with an ordered list of discrete values.
type Axis struct {
	Name   string
	Values []string
}

// Validate checks the axis name and value uniqueness.
func (a Axis) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return &AxisError{Message: "axis name is required"}
	}
	seen := make(map[string]struct{}, len(a.Values))
	for _, v := range a.Values {
		if _, dup := seen[v]; dup {
			return &AxisError{Axis: a.Name, Message: fmt.Sprintf("duplicate value %q", v)}
		}
		seen[v] = struct{}{}
	}
	return nil
}

// Coordinate is the value chosen for one axis of a job.
type Coordinate struct {
	Axis  string `json:"axis"`
	Value string `json:"value"`
}

// JobSpec is one concrete combination of axis values.
//
// JobSpecs are only created by expansion and are immutable: accessors return
// copies of the internal slices and maps.
type JobSpec struct {
	coords []Coordinate
	env    map[string]string
	stages []string
}

// ID returns the stable job identity, e.g. "platform=linux,python=3.9".
func (j JobSpec) ID() string {
	parts := make([]string, len(j.coords))
	for i, c := range j.coords {
		parts[i] = c.Axis + "=" + c.Value
	}
	return strings.Join(parts, ",")
}

// Slug returns a filesystem- and key-safe form of the identity, e.g. "linux_3.9".
//
// Distinct jobs always get distinct slugs, and no slug segment is "." or "..".
func (j JobSpec) Slug() string {
	parts := make([]string, len(j.coords))
	for i, c := range j.coords {
		parts[i] = slugSegment(c.Value)
	}
	return strings.Join(parts, "_")
}

// slugSegment keeps a value that is already safe. Any other value is
// sanitized and suffixed with "~" and a digest of the raw value; safe values
// never contain "~", so a rewritten value cannot collide with a kept one.
func slugSegment(v string) string {
	s := sanitize(v, '-')
	if s == v && strings.Trim(s, ".") != "" {
		return s
	}
	sum := sha256.Sum256([]byte(v))
	return s + "~" + hex.EncodeToString(sum[:4])
}

// Coordinates returns the axis values in axis-declaration order.
func (j JobSpec) Coordinates() []Coordinate {
	out := make([]Coordinate, len(j.coords))
	copy(out, j.coords)
	return out
}

// Value returns the job's value for the named axis.
func (j JobSpec) Value(axis string) (string, bool) {
	for _, c := range j.coords {
		if c.Axis == axis {
			return c.Value, true
		}
	}
	return "", false
}

// Vars returns the coordinates as an axis -> value map.
func (j JobSpec) Vars() map[string]string {
	out := make(map[string]string, len(j.coords))
	for _, c := range j.coords {
		out[c.Axis] = c.Value
	}
	return out
}

// Environment returns a copy of the job environment.
func (j JobSpec) Environment() map[string]string {
	out := make(map[string]string, len(j.env))
	for k, v := range j.env {
		out[k] = v
	}
	return out
}

// Stages returns the ordered pipeline stage names planned for the job.
func (j JobSpec) Stages() []string {
	out := make([]string, len(j.stages))
	copy(out, j.stages)
	return out
}

// String implements fmt.Stringer.
func (j JobSpec) String() string {
	return j.ID()
}

// Expand computes the Cartesian product of all axis value lists.
//
// The result is ordered by axis-declaration order, then per-axis list order:
// the last axis varies fastest. If there are no axes, or any axis has zero
// values, the result is empty; that is a valid outcome, not an error.
//
// Every job's environment carries MATRIX_<AXIS>=<value> for each coordinate.
func Expand(axes []Axis) ([]JobSpec, error) {
	seen := make(map[string]struct{}, len(axes))
	envNames := make(map[string]string, len(axes))
	for _, a := range axes {
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[a.Name]; dup {
			return nil, &AxisError{Axis: a.Name, Message: "duplicate axis"}
		}
		seen[a.Name] = struct{}{}
		env := EnvName(a.Name)
		if prev, dup := envNames[env]; dup {
			return nil, &AxisError{Axis: a.Name, Message: fmt.Sprintf("exports %s, already exported by axis %q", env, prev)}
		}
		envNames[env] = a.Name
	}

	if len(axes) == 0 {
		return []JobSpec{}, nil
	}
	total := 1
	for _, a := range axes {
		total *= len(a.Values)
	}
	if total == 0 {
		return []JobSpec{}, nil
	}

	jobs := make([]JobSpec, 0, total)
	idx := make([]int, len(axes))
	for {
		coords := make([]Coordinate, len(axes))
		env := make(map[string]string, len(axes))
		for i, a := range axes {
			coords[i] = Coordinate{Axis: a.Name, Value: a.Values[idx[i]]}
			env[EnvName(a.Name)] = a.Values[idx[i]]
		}
		jobs = append(jobs, JobSpec{coords: coords, env: env})

		// Odometer increment, last axis fastest.
		pos := len(axes) - 1
		for pos >= 0 {
			idx[pos]++
			if idx[pos] < len(axes[pos].Values) {
				break
			}
			idx[pos] = 0
			pos--
		}
		if pos < 0 {
			return jobs, nil
		}
	}
}

// EnvName returns the environment variable name exported for an axis.
func EnvName(axis string) string {
	return "MATRIX_" + strings.ToUpper(sanitize(axis, '_'))
}

func sanitize(s string, repl rune) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' && repl == '-':
			b.WriteRune(r)
		default:
			b.WriteRune(repl)
		}
	}
	return b.String()
}
