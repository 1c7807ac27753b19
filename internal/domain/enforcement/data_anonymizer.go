package enforcement

import (
	"context"

	"github.com/aegisgate/aegisgate/internal/domain/audit"
	"github.com/aegisgate/aegisgate/internal/domain/decision"
)

// redactedValue is the placeholder substituted for anonymized argument
// values, matching audit.RedactSensitiveArgs's convention.
const redactedValue = "***REDACTED***"

// DataAnonymizer is the "data-anonymizer" constraint transformer. With no
// arguments it redacts the same sensitive-keyword-matched fields
// audit.RedactSensitiveArgs already uses for log output; with explicit
// field names ("data-anonymizer:ssn,email") it redacts exactly those
// argument keys regardless of whether they look sensitive by name.
type DataAnonymizer struct{}

// NewDataAnonymizer creates a DataAnonymizer.
func NewDataAnonymizer() *DataAnonymizer { return &DataAnonymizer{} }

// Name implements ConstraintTransformer.
func (a *DataAnonymizer) Name() string { return "data-anonymizer" }

// CanHandle implements ConstraintTransformer.
func (a *DataAnonymizer) CanHandle(constraint string) bool {
	return directiveName(constraint) == a.Name()
}

// Transform implements ConstraintTransformer.
func (a *DataAnonymizer) Transform(_ context.Context, _ *decision.Context, t *Target, constraint string) error {
	fields := directiveArgs(constraint)
	if len(fields) == 0 {
		t.Arguments = audit.RedactSensitiveArgs(t.Arguments)
		return nil
	}
	if len(t.Arguments) == 0 {
		return nil
	}
	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		want[f] = true
	}
	redacted := make(map[string]interface{}, len(t.Arguments))
	for k, v := range t.Arguments {
		if want[k] {
			redacted[k] = redactedValue
		} else {
			redacted[k] = v
		}
	}
	t.Arguments = redacted
	return nil
}

var _ ConstraintTransformer = (*DataAnonymizer)(nil)
