// Package manifest provides loading and validation of gomatrix matrix
// manifests.
//
// A matrix manifest is a YAML or JSON file that declares the build matrix
// (ordered axes, exclusions, environment), the per-job pipeline of stages, an
// optional bootstrap command, and where artifacts are published.
//
// Manifests are validated against an embedded JSON Schema that disallows
// unknown properties, then semantically (duplicate names, placeholder
// references, publish wiring).
//
// Example manifest (YAML):
//
//	version: "1.0"
//	name: toast-wheels
//	matrix:
//	  axes:
//	    platform: [linux, macos]
//	    python: ["3.9", "3.10"]
//	stages:
//	  - name: build
//	    command: "python{python} -m build --wheel"
//	    artifacts: "dist/*.whl"
//	publish:
//	  store: {provider: s3, bucket: wheels}
package manifest

import "strconv"

// Manifest represents a validated matrix manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Name labels runs of this manifest in reports and the run registry.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Matrix declares the axes and per-job environment.
	Matrix MatrixConfig `json:"matrix" yaml:"matrix"`

	// Bootstrap provisions each job before its first stage (optional).
	Bootstrap *BootstrapConfig `json:"bootstrap,omitempty" yaml:"bootstrap,omitempty"`

	// Stages is the ordered pipeline run for every job.
	Stages []StageConfig `json:"stages" yaml:"stages"`

	// Publish configures the artifact store (optional).
	Publish *PublishConfig `json:"publish,omitempty" yaml:"publish,omitempty"`

	// Run configures execution (optional).
	Run RunConfig `json:"run,omitempty" yaml:"run,omitempty"`

	// Output configures report and event destinations (optional).
	Output OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`

	// Schedule configures the fixed-schedule trigger (optional).
	Schedule *ScheduleConfig `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// MatrixConfig declares the build matrix.
type MatrixConfig struct {
	// PlatformAxis names the axis whose value selects per-platform stage
	// environment and bootstrap commands. Default: "platform".
	PlatformAxis string `json:"platform_axis,omitempty" yaml:"platform_axis,omitempty"`

	// Axes is an ordered mapping of axis name to values. Declaration order
	// is expansion order.
	Axes Axes `json:"axes" yaml:"axes"`

	// Exclude removes jobs matching every coordinate of an entry.
	Exclude []StringMap `json:"exclude,omitempty" yaml:"exclude,omitempty"`

	// Environment is applied to every job.
	Environment StringMap `json:"environment,omitempty" yaml:"environment,omitempty"`

	// Overrides add environment to jobs whose coordinates match When.
	Overrides []OverrideConfig `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// OverrideConfig adds environment to matching jobs.
type OverrideConfig struct {
	When        StringMap `json:"when" yaml:"when"`
	Environment StringMap `json:"environment" yaml:"environment"`
}

// BootstrapConfig configures the per-job environment bootstrap.
type BootstrapConfig struct {
	// Command runs for jobs without a platform-specific command.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// PlatformCommands maps platform axis values to commands.
	PlatformCommands map[string]string `json:"platform_commands,omitempty" yaml:"platform_commands,omitempty"`

	// TimeoutSeconds bounds each bootstrap run. 0 = unbounded.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// Stage kinds.
const (
	StageKindCommand = "command"
	StageKindPublish = "publish"
)

// StageConfig declares one pipeline stage.
type StageConfig struct {
	Name string `json:"name" yaml:"name"`

	// Kind is "command" (default) or "publish".
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`

	// Command is a placeholder template run through the shell.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// WorkingDirectory is relative to the job working directory.
	WorkingDirectory string `json:"working_directory,omitempty" yaml:"working_directory,omitempty"`

	Environment         StringMap            `json:"environment,omitempty" yaml:"environment,omitempty"`
	PlatformEnvironment map[string]StringMap `json:"platform_environment,omitempty" yaml:"platform_environment,omitempty"`

	// TimeoutSeconds bounds each attempt. 0 = unbounded.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	// Retries is the number of extra attempts after a failure. Default: 0.
	Retries int `json:"retries,omitempty" yaml:"retries,omitempty"`

	// Artifacts is a glob, relative to the stage directory, of files the
	// stage produces.
	Artifacts string `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`

	// From names the stage a publish stage forwards artifacts from.
	From string `json:"from,omitempty" yaml:"from,omitempty"`
}

// IsPublish reports whether the stage publishes artifacts.
func (s StageConfig) IsPublish() bool {
	return s.Kind == StageKindPublish
}

// Store providers.
const (
	ProviderS3   = "s3"
	ProviderFile = "file"
)

// PublishConfig configures artifact publication.
type PublishConfig struct {
	Store StoreConfig `json:"store" yaml:"store"`

	// KeyTemplate renders object keys. Default: "{run}/{job}/{filename}".
	KeyTemplate string `json:"key_template,omitempty" yaml:"key_template,omitempty"`

	// RateLimit is the maximum puts per second. 0 = unlimited.
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`

	// MaxAttempts bounds retried puts. Default: 3.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// TimeoutSeconds bounds each publish stage. 0 = unbounded.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// StoreConfig selects and configures the artifact store.
type StoreConfig struct {
	// Provider is "s3" or "file".
	Provider string `json:"provider" yaml:"provider"`

	// Bucket is the S3 bucket (s3 only).
	Bucket string `json:"bucket,omitempty" yaml:"bucket,omitempty"`

	// Prefix is prepended to every key.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	Region         string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint       string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Profile        string `json:"profile,omitempty" yaml:"profile,omitempty"`
	ForcePathStyle bool   `json:"force_path_style,omitempty" yaml:"force_path_style,omitempty"`

	// BaseDir is the root directory (file only).
	BaseDir string `json:"base_dir,omitempty" yaml:"base_dir,omitempty"`
}

// RunConfig configures execution.
//
// Zero values defer to application configuration and flags.
type RunConfig struct {
	Concurrency     int      `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Workspace       string   `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	Shell           []string `json:"shell,omitempty" yaml:"shell,omitempty"`
	OutputTailBytes int      `json:"output_tail_bytes,omitempty" yaml:"output_tail_bytes,omitempty"`
}

// OutputConfig configures run outputs.
type OutputConfig struct {
	// Report is a path for the report document. Empty = no file.
	Report string `json:"report,omitempty" yaml:"report,omitempty"`

	// Events is "stdout", "stderr", "file:/path" or a path for the JSONL
	// event stream. Empty = no events.
	Events string `json:"events,omitempty" yaml:"events,omitempty"`
}

// ScheduleConfig configures the cron trigger.
type ScheduleConfig struct {
	Cron        string `json:"cron" yaml:"cron"`
	WithSeconds bool   `json:"with_seconds,omitempty" yaml:"with_seconds,omitempty"`

	// Timezone is an IANA zone name. Default: local time.
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultPlatformAxis is the default platform axis name.
	DefaultPlatformAxis = "platform"

	// DefaultPublishStage names the publish stage appended implicitly.
	DefaultPublishStage = "publish"

	// DefaultKeyTemplate is the default artifact key layout.
	DefaultKeyTemplate = "{run}/{job}/{filename}"

	// DefaultMaxAttempts bounds retried artifact puts.
	DefaultMaxAttempts = 3
)

// ApplyDefaults fills in default values for optional fields.
//
// When a store is configured and no stage publishes, a final publish stage
// is appended that forwards the artifacts of the last stage declaring any.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if m.Matrix.PlatformAxis == "" {
		m.Matrix.PlatformAxis = DefaultPlatformAxis
	}
	for i := range m.Stages {
		if m.Stages[i].Kind == "" {
			m.Stages[i].Kind = StageKindCommand
		}
	}

	if m.Publish == nil {
		return
	}
	if m.Publish.KeyTemplate == "" {
		m.Publish.KeyTemplate = DefaultKeyTemplate
	}
	if m.Publish.MaxAttempts == 0 {
		m.Publish.MaxAttempts = DefaultMaxAttempts
	}
	if m.hasPublishStage() {
		return
	}
	if from := m.lastArtifactStage(); from != "" {
		m.Stages = append(m.Stages, StageConfig{
			Name:           m.implicitPublishName(),
			Kind:           StageKindPublish,
			From:           from,
			TimeoutSeconds: m.Publish.TimeoutSeconds,
		})
	}
}

func (m *Manifest) hasPublishStage() bool {
	for _, s := range m.Stages {
		if s.IsPublish() {
			return true
		}
	}
	return false
}

func (m *Manifest) lastArtifactStage() string {
	for i := len(m.Stages) - 1; i >= 0; i-- {
		if m.Stages[i].Artifacts != "" && !m.Stages[i].IsPublish() {
			return m.Stages[i].Name
		}
	}
	return ""
}

// implicitPublishName avoids clashing with a command stage named "publish".
func (m *Manifest) implicitPublishName() string {
	name := DefaultPublishStage
	for n := 2; m.stageIndex(name) >= 0; n++ {
		name = DefaultPublishStage + "-" + strconv.Itoa(n)
	}
	return name
}

func (m *Manifest) stageIndex(name string) int {
	for i, s := range m.Stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// AxisNames returns the axis names in declaration order.
func (m *Manifest) AxisNames() []string {
	names := make([]string, len(m.Matrix.Axes))
	for i, a := range m.Matrix.Axes {
		names[i] = a.Name
	}
	return names
}

// PlatformValues returns the values of the platform axis, or nil when the
// matrix has no platform axis.
func (m *Manifest) PlatformValues() []string {
	for _, a := range m.Matrix.Axes {
		if a.Name == m.Matrix.PlatformAxis {
			return a.Values
		}
	}
	return nil
}
