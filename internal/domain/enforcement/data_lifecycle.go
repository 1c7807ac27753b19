package enforcement

import (
	"context"

	"github.com/aegisgate/aegisgate/internal/domain/decision"
	"github.com/aegisgate/aegisgate/internal/domain/policy"
)

// metadataRetentionKey is the Target.Metadata key DataLifecycle sets.
const metadataRetentionKey = "data_retention"

// defaultRetention is used when a "data-lifecycle" obligation carries no
// explicit retention argument.
const defaultRetention = "default"

// DataLifecycle is the "data-lifecycle" obligation executor. Directive
// syntax is "data-lifecycle:<period>" (e.g. "data-lifecycle:30d"); it tags
// the action's metadata with the retention period so downstream storage
// (audit log retention, response caching) can apply it. It never itself
// deletes anything — it only records the requirement.
type DataLifecycle struct{}

// NewDataLifecycle creates a DataLifecycle executor.
func NewDataLifecycle() *DataLifecycle { return &DataLifecycle{} }

// Name implements ObligationExecutor.
func (d *DataLifecycle) Name() string { return "data-lifecycle" }

// CanHandle implements ObligationExecutor.
func (d *DataLifecycle) CanHandle(obligation string) bool {
	return directiveName(obligation) == d.Name()
}

// Execute implements ObligationExecutor.
func (d *DataLifecycle) Execute(_ context.Context, _ *decision.Context, t *Target, _ *policy.Decision, obligation string) error {
	retention := defaultRetention
	if args := directiveArgs(obligation); len(args) > 0 && args[0] != "" {
		retention = args[0]
	}
	if t.Metadata == nil {
		t.Metadata = make(map[string]interface{})
	}
	t.Metadata[metadataRetentionKey] = retention
	return nil
}

var _ ObligationExecutor = (*DataLifecycle)(nil)
