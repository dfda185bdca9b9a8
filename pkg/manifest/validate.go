package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/fleetpatch/internal/assets/schemas"
	"github.com/3leaps/fleetpatch/pkg/patchjob"
	"github.com/3leaps/fleetpatch/pkg/scheduler"
)

// SchemaID is the schema identifier prefix for fleetpatch manifests.
const SchemaID = "fleetpatch/v1.0.0"

// Validation errors
var (
	// ErrSchemaNotFound indicates no embedded schema exists for a kind.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed indicates the manifest failed validation.
	ErrValidationFailed = errors.New("manifest validation failed")
)

// kindValidator compiles one embedded schema on first use.
type kindValidator struct {
	once      sync.Once
	source    []byte
	validator *schema.Validator
	err       error
}

var validators = map[Kind]*kindValidator{
	KindJob:        {source: schemasassets.JobManifestSchema},
	KindDeployment: {source: schemasassets.DeploymentManifestSchema},
	KindPolicy:     {source: schemasassets.PolicyManifestSchema},
}

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the dotted path to the problematic field (e.g., "job.orgId"),
	// or a JSON pointer (e.g., "/job/name") for schema failures.
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

// Unwrap returns the underlying error type.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks the envelope and the selected section, then validates the
// normalized manifest against the kind's embedded JSON schema.
//
// Returns nil if validation succeeds, or a ValidationErrors with details
// about all validation failures.
func Validate(m *Manifest) error {
	if err := validateSemantics(m); err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest for validation: %w", err)
	}
	return ValidateRaw(m.Kind, data)
}

// ValidateRaw checks raw JSON data against the schema for kind.
//
// The schemas are embedded at compile time, so validation works in installed
// binaries without schema files on disk.
func ValidateRaw(kind Kind, jsonData []byte) error {
	v, err := getValidator(kind)
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

// getValidator returns the cached validator for kind.
func getValidator(kind Kind) (*schema.Validator, error) {
	kv, ok := validators[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s-manifest", ErrSchemaNotFound, SchemaID, kind)
	}
	kv.once.Do(func() {
		if len(kv.source) == 0 {
			kv.err = fmt.Errorf("%w: embedded %s-manifest schema is empty", ErrSchemaNotFound, kind)
			return
		}
		kv.validator, kv.err = schema.NewValidator(kv.source)
		if kv.err != nil {
			kv.err = fmt.Errorf("failed to compile %s manifest schema: %w", kind, kv.err)
		}
	})
	return kv.validator, kv.err
}

func validateSemantics(m *Manifest) error {
	var errs ValidationErrors
	add := func(path, msg string) {
		errs = append(errs, ValidationError{Path: path, Message: msg})
	}

	if m.Version != DefaultVersion {
		add("version", fmt.Sprintf("unsupported version %q (want %q)", m.Version, DefaultVersion))
	}

	sections := 0
	for _, set := range []bool{m.Job != nil, m.Deployment != nil, m.Policy != nil} {
		if set {
			sections++
		}
	}
	if sections > 1 {
		add("", "exactly one of job, deployment or policy may be set")
	}

	switch m.Kind {
	case KindJob:
		if m.Job == nil {
			add("job", "is required for kind job")
			break
		}
		job, err := m.Job.PatchJob(time.Time{})
		if err != nil {
			add("job.scheduledAt", err.Error())
			break
		}
		errs = append(errs, fromPatchJob("job", job.Validate())...)
	case KindDeployment:
		if m.Deployment == nil {
			add("deployment", "is required for kind deployment")
			break
		}
		d, err := m.Deployment.ToDeployment()
		if err != nil {
			add("deployment.payload", err.Error())
			break
		}
		if err := d.Validate(); err != nil {
			add("deployment", err.Error())
		}
	case KindPolicy:
		if m.Policy == nil {
			add("policy", "is required for kind policy")
			break
		}
		errs = append(errs, validatePolicy(m.Policy)...)
	case "":
		add("kind", "is required")
	default:
		add("kind", fmt.Sprintf("unknown kind %q (want job, deployment or policy)", m.Kind))
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func validatePolicy(p *PolicySpec) ValidationErrors {
	var errs ValidationErrors
	if _, err := scheduler.Parse(p.Schedule); err != nil {
		errs = append(errs, ValidationError{Path: "policy.schedule", Message: err.Error()})
	}
	// A policy is validated as the job it will produce.
	job := &patchjob.PatchJob{OrgID: p.OrgID, Name: p.Name, Patches: p.Patches, Targets: p.Targets}
	return append(errs, fromPatchJob("policy", job.Validate())...)
}

// fromPatchJob re-roots patch job validation errors under prefix.
func fromPatchJob(prefix string, err error) ValidationErrors {
	if err == nil {
		return nil
	}
	var verrs patchjob.ValidationErrors
	if !errors.As(err, &verrs) {
		return ValidationErrors{{Path: prefix, Message: err.Error()}}
	}
	out := make(ValidationErrors, 0, len(verrs))
	for _, v := range verrs {
		out = append(out, ValidationError{Path: prefix + "." + v.Path, Message: v.Message})
	}
	return out
}
