package manifest

import (
	"fmt"
	"time"

	"github.com/3leaps/gomatrix/pkg/artifact"
	"github.com/3leaps/gomatrix/pkg/bootstrap"
	"github.com/3leaps/gomatrix/pkg/matrix"
	"github.com/3leaps/gomatrix/pkg/orchestrator"
	"github.com/3leaps/gomatrix/pkg/placeholder"
)

// MatrixDefinition returns the runtime matrix definition.
func (m *Manifest) MatrixDefinition() matrix.Matrix {
	def := matrix.Matrix{
		Axes:        make([]matrix.Axis, len(m.Matrix.Axes)),
		Environment: copyMap(m.Matrix.Environment),
	}
	for i, a := range m.Matrix.Axes {
		def.Axes[i] = matrix.Axis{Name: a.Name, Values: append([]string(nil), a.Values...)}
	}
	for _, ex := range m.Matrix.Exclude {
		def.Exclude = append(def.Exclude, copyMap(ex))
	}
	for _, o := range m.Matrix.Overrides {
		def.Overrides = append(def.Overrides, matrix.Override{
			When:        copyMap(o.When),
			Environment: copyMap(o.Environment),
		})
	}
	return def
}

// Jobs expands the matrix and narrows it to the selector.
//
// A selector naming an unknown axis is a configuration error; one that
// matches nothing yields an empty job list.
func (m *Manifest) Jobs(sel matrix.Selector) ([]matrix.JobSpec, error) {
	known := make(map[string]struct{}, len(m.Matrix.Axes))
	for _, a := range m.Matrix.Axes {
		known[a.Name] = struct{}{}
	}
	for axis := range sel {
		if _, ok := known[axis]; !ok {
			return nil, &orchestrator.ConfigurationError{
				Field:   "only",
				Message: fmt.Sprintf("selector references unknown axis %q", axis),
			}
		}
	}

	stages := make([]string, len(m.Stages))
	for i, s := range m.Stages {
		stages[i] = s.Name
	}
	jobs, err := m.MatrixDefinition().Jobs(stages)
	if err != nil {
		return nil, &orchestrator.ConfigurationError{Field: "matrix", Message: err.Error()}
	}
	return matrix.Select(jobs, sel), nil
}

// Pipeline compiles the stage list into a runtime pipeline.
func (m *Manifest) Pipeline() (orchestrator.Pipeline, error) {
	p := orchestrator.Pipeline{
		Stages:       make([]orchestrator.Stage, 0, len(m.Stages)),
		PlatformAxis: m.Matrix.PlatformAxis,
	}
	for i, sc := range m.Stages {
		st := orchestrator.Stage{
			Name:             sc.Name,
			Kind:             orchestrator.KindCommand,
			WorkingDirectory: sc.WorkingDirectory,
			Environment:      copyMap(sc.Environment),
			Timeout:          seconds(sc.TimeoutSeconds),
			Artifacts:        sc.Artifacts,
			From:             sc.From,
			Retries:          sc.Retries,
		}
		if sc.IsPublish() {
			st.Kind = orchestrator.KindPublish
		} else {
			tpl, err := placeholder.Compile(sc.Command)
			if err != nil {
				return orchestrator.Pipeline{}, &orchestrator.ConfigurationError{
					Field:   fmt.Sprintf("stages[%d].command", i),
					Message: err.Error(),
				}
			}
			st.Command = tpl
		}
		if len(sc.PlatformEnvironment) > 0 {
			st.PlatformEnvironment = make(map[string]map[string]string, len(sc.PlatformEnvironment))
			for platform, env := range sc.PlatformEnvironment {
				st.PlatformEnvironment[platform] = copyMap(env)
			}
		}
		p.Stages = append(p.Stages, st)
	}
	return p, nil
}

// BootstrapConfig compiles the bootstrap section. ok is false when the
// manifest declares no bootstrap.
func (m *Manifest) BootstrapConfig() (cfg bootstrap.Config, ok bool, err error) {
	if m.Bootstrap == nil {
		return bootstrap.Config{}, false, nil
	}
	cfg = bootstrap.Config{
		PlatformAxis: m.Matrix.PlatformAxis,
		Timeout:      seconds(m.Bootstrap.TimeoutSeconds),
	}
	if m.Bootstrap.Command != "" {
		if cfg.Command, err = placeholder.Compile(m.Bootstrap.Command); err != nil {
			return bootstrap.Config{}, false, &orchestrator.ConfigurationError{Field: "bootstrap.command", Message: err.Error()}
		}
	}
	if len(m.Bootstrap.PlatformCommands) > 0 {
		cfg.PlatformCommands = make(map[string]*placeholder.Template, len(m.Bootstrap.PlatformCommands))
		for platform, cmd := range m.Bootstrap.PlatformCommands {
			tpl, err := placeholder.Compile(cmd)
			if err != nil {
				return bootstrap.Config{}, false, &orchestrator.ConfigurationError{
					Field:   "bootstrap.platform_commands." + platform,
					Message: err.Error(),
				}
			}
			cfg.PlatformCommands[platform] = tpl
		}
	}
	return cfg, true, nil
}

// PublisherConfig returns the publisher settings. ok is false when the
// manifest declares no artifact store.
func (m *Manifest) PublisherConfig() (artifact.PublisherConfig, bool) {
	if m.Publish == nil {
		return artifact.PublisherConfig{}, false
	}
	return artifact.PublisherConfig{
		KeyTemplate: m.Publish.KeyTemplate,
		Prefix:      m.Publish.Store.Prefix,
		RateLimit:   m.Publish.RateLimit,
		MaxAttempts: m.Publish.MaxAttempts,
	}, true
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
