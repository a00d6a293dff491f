package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/gomatrix/internal/assets/schemas"
	"github.com/3leaps/gomatrix/pkg/artifact"
	"github.com/3leaps/gomatrix/pkg/orchestrator"
	"github.com/3leaps/gomatrix/pkg/placeholder"
	"github.com/3leaps/gomatrix/pkg/trigger"
)

// SchemaID is the schema identifier for matrix manifests.
const SchemaID = "gomatrix/v1.0.0/matrix-manifest"

// ReservedStageNames may not be used for pipeline stages.
var ReservedStageNames = []string{"bootstrap"}

// Validation errors
var (
	// ErrSchemaNotFound indicates the schema file could not be located.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed indicates the manifest failed validation.
	ErrValidationFailed = errors.New("manifest validation failed")
)

// Cached validator instance (compiled once from embedded schema)
var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/stages/2/from").
	Path string

	// Message describes the validation failure.
	Message string
}

// Error implements error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("manifest validation failed with ")
	b.WriteString(fmt.Sprintf("%d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap reports both ErrValidationFailed and the orchestrator's
// configuration error class, so invalid manifests are run-fatal.
func (e ValidationErrors) Unwrap() []error {
	return []error{ErrValidationFailed, orchestrator.ErrConfiguration}
}

// Validate checks the manifest against the JSON schema and semantically.
//
// Note: This validates the struct representation, which loses unknown fields.
// For strict validation including additionalProperties checks, use ValidateRaw
// on the original input data.
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest for validation: %w", err)
	}
	if err := ValidateRaw(data); err != nil {
		return err
	}
	return ValidateSemantics(m)
}

// ValidateRaw checks raw JSON data against the manifest schema.
//
// The schema is embedded at compile time, so validation works correctly
// in installed binaries and library consumers without requiring schema
// files to be present on disk.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		// Only include errors, not warnings
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{
				Path:    d.Pointer,
				Message: d.Message,
			})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// getValidator returns a cached validator compiled from the embedded schema.
func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.MatrixManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded matrix-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.MatrixManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

// ValidateSemantics checks what the schema cannot express: unique names,
// placeholder references, publish wiring and platform-keyed settings.
//
// It expects defaults to have been applied.
func ValidateSemantics(m *Manifest) error {
	v := &semantic{m: m}
	v.matrix()
	v.bootstrap()
	v.stages()
	v.publish()
	v.schedule()
	if len(v.errs) == 0 {
		return nil
	}
	return v.errs
}

type semantic struct {
	m    *Manifest
	errs ValidationErrors
}

func (v *semantic) add(path, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *semantic) axisValues() map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(v.m.Matrix.Axes))
	for _, a := range v.m.Matrix.Axes {
		vals := make(map[string]struct{}, len(a.Values))
		for _, val := range a.Values {
			vals[val] = struct{}{}
		}
		out[a.Name] = vals
	}
	return out
}

func (v *semantic) matrix() {
	reserved := map[string]struct{}{}
	for _, r := range orchestrator.ReservedVars {
		reserved[r] = struct{}{}
	}
	for r := range artifact.KeyPlaceholders(nil) {
		reserved[r] = struct{}{}
	}

	seen := map[string]struct{}{}
	for _, a := range v.m.Matrix.Axes {
		p := "/matrix/axes/" + a.Name
		if _, dup := seen[a.Name]; dup {
			v.add(p, "axis declared twice")
		}
		seen[a.Name] = struct{}{}
		if _, ok := reserved[a.Name]; ok {
			v.add(p, "axis name %q is reserved", a.Name)
		}
		values := map[string]struct{}{}
		for i, val := range a.Values {
			if _, dup := values[val]; dup {
				v.add(fmt.Sprintf("%s/%d", p, i), "duplicate value %q", val)
			}
			values[val] = struct{}{}
		}
	}

	known := v.axisValues()
	checkWhen := func(p string, when StringMap) {
		for axis, val := range when {
			vals, ok := known[axis]
			if !ok {
				v.add(p+"/"+axis, "unknown axis %q", axis)
				continue
			}
			if _, ok := vals[val]; !ok {
				v.add(p+"/"+axis, "axis %q has no value %q", axis, val)
			}
		}
	}
	for i, ex := range v.m.Matrix.Exclude {
		checkWhen(fmt.Sprintf("/matrix/exclude/%d", i), ex)
	}
	for i, o := range v.m.Matrix.Overrides {
		checkWhen(fmt.Sprintf("/matrix/overrides/%d/when", i), o.When)
	}

	if pa := v.m.Matrix.PlatformAxis; pa != DefaultPlatformAxis && len(v.m.Matrix.Axes) > 0 {
		if _, ok := known[pa]; !ok {
			v.add("/matrix/platform_axis", "platform axis %q is not a declared axis", pa)
		}
	}
}

// commandPlaceholders is every name a command template may reference.
func (v *semantic) commandPlaceholders() map[string]struct{} {
	allowed := map[string]struct{}{}
	for _, r := range orchestrator.ReservedVars {
		allowed[r] = struct{}{}
	}
	for _, a := range v.m.Matrix.Axes {
		allowed[a.Name] = struct{}{}
	}
	return allowed
}

func (v *semantic) template(p, text string, allowed map[string]struct{}) {
	tpl, err := placeholder.Compile(text)
	if err != nil {
		v.add(p, "%v", err)
		return
	}
	if err := tpl.Check(allowed); err != nil {
		v.add(p, "%v", err)
	}
}

func (v *semantic) platformKeys(p string, keys []string) {
	values := v.m.PlatformValues()
	if values == nil {
		if len(keys) > 0 && len(v.m.Matrix.Axes) > 0 {
			v.add(p, "matrix has no %q axis", v.m.Matrix.PlatformAxis)
		}
		return
	}
	known := map[string]struct{}{}
	for _, val := range values {
		known[val] = struct{}{}
	}
	for _, k := range keys {
		if _, ok := known[k]; !ok {
			v.add(p+"/"+k, "%q is not a value of axis %q", k, v.m.Matrix.PlatformAxis)
		}
	}
}

func (v *semantic) bootstrap() {
	b := v.m.Bootstrap
	if b == nil {
		return
	}
	allowed := v.commandPlaceholders()
	if b.Command != "" {
		v.template("/bootstrap/command", b.Command, allowed)
	}
	keys := make([]string, 0, len(b.PlatformCommands))
	for k, cmd := range b.PlatformCommands {
		keys = append(keys, k)
		v.template("/bootstrap/platform_commands/"+k, cmd, allowed)
	}
	v.platformKeys("/bootstrap/platform_commands", keys)
	if b.Command == "" && len(b.PlatformCommands) == 0 {
		v.add("/bootstrap", "bootstrap needs a command or platform_commands")
	}
}

func (v *semantic) stages() {
	reserved := map[string]struct{}{}
	for _, r := range ReservedStageNames {
		reserved[r] = struct{}{}
	}
	allowed := v.commandPlaceholders()

	declared := map[string]StageConfig{}
	for i, s := range v.m.Stages {
		p := fmt.Sprintf("/stages/%d", i)
		if _, dup := declared[s.Name]; dup {
			v.add(p+"/name", "duplicate stage %q", s.Name)
		}
		if _, ok := reserved[s.Name]; ok {
			v.add(p+"/name", "stage name %q is reserved", s.Name)
		}

		if s.IsPublish() {
			if s.Command != "" || s.Artifacts != "" || s.WorkingDirectory != "" {
				v.add(p, "publish stage %q takes no command, artifacts or working_directory", s.Name)
			}
			if v.m.Publish == nil {
				v.add(p, "publish stage %q requires a publish.store", s.Name)
			}
			src, ok := declared[s.From]
			switch {
			case s.From == "":
				v.add(p+"/from", "publish stage %q needs from", s.Name)
			case !ok:
				v.add(p+"/from", "stage %q must be declared before publish stage %q", s.From, s.Name)
			case src.IsPublish():
				v.add(p+"/from", "stage %q is a publish stage", s.From)
			case src.Artifacts == "":
				v.add(p+"/from", "stage %q declares no artifacts", s.From)
			}
		} else {
			if strings.TrimSpace(s.Command) == "" {
				v.add(p+"/command", "stage %q has no command", s.Name)
			} else {
				v.template(p+"/command", s.Command, allowed)
			}
			if s.From != "" {
				v.add(p+"/from", "only publish stages take from")
			}
			if s.Artifacts != "" {
				if err := artifact.ValidatePattern(s.Artifacts); err != nil {
					v.add(p+"/artifacts", "%v", err)
				}
			}
			if wd := s.WorkingDirectory; wd != "" {
				clean := path.Clean(filepath.ToSlash(wd))
				if filepath.IsAbs(wd) || strings.HasPrefix(wd, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
					v.add(p+"/working_directory", "must be relative to the job working directory")
				}
			}
		}

		keys := make([]string, 0, len(s.PlatformEnvironment))
		for k := range s.PlatformEnvironment {
			keys = append(keys, k)
		}
		v.platformKeys(p+"/platform_environment", keys)

		declared[s.Name] = s
	}
}

func (v *semantic) publish() {
	pub := v.m.Publish
	if pub == nil {
		return
	}
	switch pub.Store.Provider {
	case ProviderS3:
		if pub.Store.Bucket == "" {
			v.add("/publish/store/bucket", "s3 store requires a bucket")
		}
	case ProviderFile:
		if pub.Store.BaseDir == "" {
			v.add("/publish/store/base_dir", "file store requires base_dir")
		}
	}
	if tpl, err := placeholder.Compile(pub.KeyTemplate); err != nil {
		v.add("/publish/key_template", "%v", err)
	} else {
		if err := tpl.Check(artifact.KeyPlaceholders(v.m.AxisNames())); err != nil {
			v.add("/publish/key_template", "%v", err)
		}
		if !slices.Contains(tpl.Names(), artifact.KeyVarFilename) {
			v.add("/publish/key_template", "key template must reference {%s}", artifact.KeyVarFilename)
		}
	}
	if !v.m.hasPublishStage() {
		v.add("/publish", "no stage declares artifacts to publish")
	}
}

func (v *semantic) schedule() {
	s := v.m.Schedule
	if s == nil {
		return
	}
	if err := trigger.Validate(s.Cron, s.WithSeconds); err != nil {
		v.add("/schedule/cron", "%v", err)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			v.add("/schedule/timezone", "%v", err)
		}
	}
}
