package store

import (
	"context"

	"github.com/tallybook/automaton/pkg/schema"
)

// Store defines the persistence layer contract for the four aggregates plus
// trigger bookkeeping. All implementations must be safe for concurrent use.
type Store interface {
	// Workflow definitions (versioned; Get returns the latest version)
	CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	GetDefinitionVersion(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error)
	CreateDefinitionVersion(ctx context.Context, def *schema.WorkflowDefinition) error
	SetDefinitionStatus(ctx context.Context, id string, status schema.WorkflowStatus) error
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error

	// Business rules
	CreateRule(ctx context.Context, rule *schema.BusinessRule) error
	GetRule(ctx context.Context, id string) (*schema.BusinessRule, error)
	UpdateRule(ctx context.Context, rule *schema.BusinessRule) error
	ListRules(ctx context.Context, filter RuleFilter) ([]*schema.BusinessRule, error)
	DeleteRule(ctx context.Context, id string) error

	// Executions
	CreateExecution(ctx context.Context, ex *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Execution log (append-only; Seq assigned on append)
	AppendLogEntry(ctx context.Context, entry *LogEntry) error
	ListLogEntries(ctx context.Context, executionID string) ([]*LogEntry, error)

	// Threshold samples
	GetThresholdSample(ctx context.Context, tenantID, workflowID, metric string) (*ThresholdSample, error)
	UpsertThresholdSample(ctx context.Context, sample *ThresholdSample) error

	// Schedule marks
	GetScheduleMark(ctx context.Context, workflowID string) (*ScheduleMark, error)
	SetScheduleMark(ctx context.Context, mark *ScheduleMark) error

	// Secrets (encrypted by the vault before they reach the store)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
