package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/tallybook/automaton/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflow definitions ---

func (s *LibSQLStore) CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	return s.insertDefinition(ctx, def)
}

// CreateDefinitionVersion inserts a new version of an existing definition.
// In-flight executions keep running against the version they started with.
func (s *LibSQLStore) CreateDefinitionVersion(ctx context.Context, def *schema.WorkflowDefinition) error {
	return s.insertDefinition(ctx, def)
}

func (s *LibSQLStore) insertDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	trigger, err := json.Marshal(def.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, version, tenant_id, name, description, status, trigger, steps, start_step, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Version, def.TenantID, def.Name, nullStr(def.Description), string(def.Status),
		string(trigger), string(steps), def.StartStep, timeOrNow(def.CreatedAt), timeOrNow(def.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, version, tenant_id, name, description, status, trigger, steps, start_step, created_at, updated_at
		 FROM workflow_definitions WHERE id = ? ORDER BY version DESC LIMIT 1`, id)
	return scanDefinition(row, id)
}

func (s *LibSQLStore) GetDefinitionVersion(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, version, tenant_id, name, description, status, trigger, steps, start_step, created_at, updated_at
		 FROM workflow_definitions WHERE id = ? AND version = ?`, id, version)
	return scanDefinition(row, id)
}

// SetDefinitionStatus updates the status of every version of a definition so
// that pausing or archiving affects the workflow as a whole.
func (s *LibSQLStore) SetDefinitionStatus(ctx context.Context, id string, status schema.WorkflowStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_definitions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow definition", id)
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	// Latest version per definition id.
	query := `SELECT d.id, d.version, d.tenant_id, d.name, d.description, d.status, d.trigger, d.steps, d.start_step, d.created_at, d.updated_at
		 FROM workflow_definitions d
		 JOIN (SELECT id, MAX(version) AS version FROM workflow_definitions GROUP BY id) latest
		   ON d.id = latest.id AND d.version = latest.version`
	var conds []string
	var args []any
	if filter.TenantID != "" {
		conds = append(conds, "d.tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Status != nil {
		conds = append(conds, "d.status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY d.created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinitionRows(rows)
		if err != nil {
			return nil, err
		}
		// Trigger type lives inside the JSON column; filter after decoding.
		if filter.TriggerType != "" && def.Trigger.Type != filter.TriggerType {
			continue
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *LibSQLStore) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_definitions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow definition", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row *sql.Row, id string) (*schema.WorkflowDefinition, error) {
	def, err := scanDefinitionRows(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow definition", id)
	}
	return def, err
}

func scanDefinitionRows(row rowScanner) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{}
	var (
		description           sql.NullString
		status, trigger, step string
	)
	err := row.Scan(&def.ID, &def.Version, &def.TenantID, &def.Name, &description, &status,
		&trigger, &step, &def.StartStep, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return nil, err
	}
	def.Description = description.String
	def.Status = schema.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(trigger), &def.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if err := json.Unmarshal([]byte(step), &def.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return def, nil
}

// --- Business rules ---

func (s *LibSQLStore) CreateRule(ctx context.Context, rule *schema.BusinessRule) error {
	trigger, err := json.Marshal(rule.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	conditions, err := nullableJSON(rule.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO business_rules (id, tenant_id, name, trigger, conditions, actions, priority, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.TenantID, rule.Name, string(trigger), conditions, string(actions),
		rule.Priority, boolInt(rule.Enabled), timeOrNow(rule.CreatedAt), timeOrNow(rule.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRule(ctx context.Context, id string) (*schema.BusinessRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, trigger, conditions, actions, priority, enabled, created_at, updated_at
		 FROM business_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("business rule", id)
	}
	return rule, err
}

func (s *LibSQLStore) UpdateRule(ctx context.Context, rule *schema.BusinessRule) error {
	trigger, err := json.Marshal(rule.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	conditions, err := nullableJSON(rule.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE business_rules SET name = ?, trigger = ?, conditions = ?, actions = ?, priority = ?, enabled = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		rule.Name, string(trigger), conditions, string(actions), rule.Priority, boolInt(rule.Enabled), rule.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "business rule", rule.ID)
}

func (s *LibSQLStore) ListRules(ctx context.Context, filter RuleFilter) ([]*schema.BusinessRule, error) {
	query := `SELECT id, tenant_id, name, trigger, conditions, actions, priority, enabled, created_at, updated_at FROM business_rules`
	var conds []string
	var args []any
	if filter.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Enabled != nil {
		conds = append(conds, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY priority DESC, created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*schema.BusinessRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		if filter.EventType != "" {
			if rule.Trigger.Event == nil || rule.Trigger.Event.EventType != filter.EventType {
				continue
			}
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (s *LibSQLStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM business_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "business rule", id)
}

func scanRule(row rowScanner) (*schema.BusinessRule, error) {
	rule := &schema.BusinessRule{}
	var (
		trigger, actions string
		conditions       sql.NullString
		enabled          int
	)
	err := row.Scan(&rule.ID, &rule.TenantID, &rule.Name, &trigger, &conditions, &actions,
		&rule.Priority, &enabled, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rule.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(trigger), &rule.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if conditions.Valid && conditions.String != "" {
		if err := json.Unmarshal([]byte(conditions.String), &rule.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal conditions: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(actions), &rule.Actions); err != nil {
		return nil, fmt.Errorf("unmarshal actions: %w", err)
	}
	return rule, nil
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, ex *Execution) error {
	variables, err := marshalMapOrDefault(ex.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, tenant_id, workflow_id, workflow_version, status, trigger_snapshot, variables, current_step, wait_reason, resume_at, retry_of, parent_execution_id, error, retry_count, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.TenantID, ex.WorkflowID, ex.WorkflowVersion, string(ex.Status),
		nullRaw(ex.TriggerSnapshot), string(variables), nullStr(ex.CurrentStep), nullStr(string(ex.WaitReason)),
		nullTime(ex.ResumeAt), nullStr(ex.RetryOf), nullStr(ex.ParentID), nullRaw(ex.Error), ex.RetryCount,
		timeOrNow(ex.CreatedAt), nullTime(ex.StartedAt), nullTime(ex.CompletedAt), timeOrNow(ex.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, workflow_id, workflow_version, status, trigger_snapshot, variables, current_step, wait_reason, resume_at, retry_of, parent_execution_id, error, retry_count, created_at, started_at, completed_at, updated_at
		 FROM executions WHERE id = ?`, id)
	ex, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return ex, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Variables != nil {
		variables, err := marshalMapOrDefault(update.Variables)
		if err != nil {
			return fmt.Errorf("marshal variables: %w", err)
		}
		sets = append(sets, "variables = ?")
		args = append(args, string(variables))
	}
	if update.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, *update.CurrentStep)
	}
	if update.WaitReason != nil {
		sets = append(sets, "wait_reason = ?")
		args = append(args, string(*update.WaitReason))
	}
	if update.ResumeAt != nil {
		sets = append(sets, "resume_at = ?")
		args = append(args, *update.ResumeAt)
	}
	if update.ClearWait {
		sets = append(sets, "wait_reason = NULL", "resume_at = NULL")
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")

	where := "id = ?"
	args = append(args, id)
	if update.ExpectedStatus != nil {
		where += " AND status = ?"
		args = append(args, string(*update.ExpectedStatus))
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE executions SET %s WHERE %s`, strings.Join(sets, ", "), where), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if update.ExpectedStatus == nil {
			return storeNotFound("execution", id)
		}
		ex, gerr := s.GetExecution(ctx, id)
		if gerr != nil {
			return gerr
		}
		return statusConflict(id, ex.Status, *update.ExpectedStatus)
	}
	return nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	query := `SELECT id, tenant_id, workflow_id, workflow_version, status, trigger_snapshot, variables, current_step, wait_reason, resume_at, retry_of, parent_execution_id, error, retry_count, created_at, started_at, completed_at, updated_at
		 FROM executions`
	var conds []string
	var args []any
	if filter.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ParentID != "" {
		conds = append(conds, "parent_execution_id = ?")
		args = append(args, filter.ParentID)
	}
	if filter.DueBefore != nil {
		conds = append(conds, "resume_at IS NOT NULL AND resume_at <= ?")
		args = append(args, *filter.DueBefore)
	}
	if filter.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, *filter.Since)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exs []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		exs = append(exs, ex)
	}
	return exs, rows.Err()
}

func scanExecution(row rowScanner) (*Execution, error) {
	ex := &Execution{}
	var (
		status, variables                           string
		snapshot, currentStep, waitReason           sql.NullString
		retryOf, parentID, errJSON                  sql.NullString
		resumeAt, startedAt, completedAt            sql.NullTime
	)
	err := row.Scan(&ex.ID, &ex.TenantID, &ex.WorkflowID, &ex.WorkflowVersion, &status,
		&snapshot, &variables, &currentStep, &waitReason, &resumeAt, &retryOf, &parentID,
		&errJSON, &ex.RetryCount, &ex.CreatedAt, &startedAt, &completedAt, &ex.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ex.Status = schema.ExecutionStatus(status)
	ex.TriggerSnapshot = rawOrNil(snapshot)
	if variables != "" {
		_ = json.Unmarshal([]byte(variables), &ex.Variables)
	}
	ex.CurrentStep = currentStep.String
	ex.WaitReason = schema.WaitReason(waitReason.String)
	ex.RetryOf = retryOf.String
	ex.ParentID = parentID.String
	ex.Error = rawOrNil(errJSON)
	if resumeAt.Valid {
		ex.ResumeAt = &resumeAt.Time
	}
	if startedAt.Valid {
		ex.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ex.CompletedAt = &completedAt.Time
	}
	return ex, nil
}

// --- Execution log ---

// AppendLogEntry appends an entry with a monotonically increasing per-execution
// sequence. The store is opened with a single connection, so the read-assign-
// insert inside one transaction is serialized.
func (s *LibSQLStore) AppendLogEntry(ctx context.Context, entry *LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM execution_log WHERE execution_id = ?`, entry.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next seq: %w", err)
	}
	entry.Seq = seq

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO execution_log (execution_id, seq, step_id, step_type, input, output, error, duration_ms, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ExecutionID, seq, entry.StepID, nullStr(entry.StepType),
		nullRaw(entry.Input), nullRaw(entry.Output), nullRaw(entry.Error), entry.DurationMs, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log entry: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListLogEntries(ctx context.Context, executionID string) ([]*LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, seq, step_id, step_type, input, output, error, duration_ms, timestamp
		 FROM execution_log WHERE execution_id = ? ORDER BY seq ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		entry := &LogEntry{}
		var stepType, input, output, errJSON sql.NullString
		if err := rows.Scan(&entry.ID, &entry.ExecutionID, &entry.Seq, &entry.StepID, &stepType,
			&input, &output, &errJSON, &entry.DurationMs, &entry.Timestamp); err != nil {
			return nil, err
		}
		entry.StepType = stepType.String
		entry.Input = rawOrNil(input)
		entry.Output = rawOrNil(output)
		entry.Error = rawOrNil(errJSON)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// --- Threshold samples ---

func (s *LibSQLStore) GetThresholdSample(ctx context.Context, tenantID, workflowID, metric string) (*ThresholdSample, error) {
	sample := &ThresholdSample{}
	var crossed int
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, workflow_id, metric, value, crossed, observed_at
		 FROM threshold_samples WHERE tenant_id = ? AND workflow_id = ? AND metric = ?`,
		tenantID, workflowID, metric,
	).Scan(&sample.TenantID, &sample.WorkflowID, &sample.Metric, &sample.Value, &crossed, &sample.ObservedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sample.Crossed = crossed != 0
	return sample, nil
}

func (s *LibSQLStore) UpsertThresholdSample(ctx context.Context, sample *ThresholdSample) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threshold_samples (tenant_id, workflow_id, metric, value, crossed, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, workflow_id, metric) DO UPDATE SET value=excluded.value, crossed=excluded.crossed, observed_at=excluded.observed_at`,
		sample.TenantID, sample.WorkflowID, sample.Metric, sample.Value, boolInt(sample.Crossed), timeOrNow(sample.ObservedAt),
	)
	return err
}

// --- Schedule marks ---

func (s *LibSQLStore) GetScheduleMark(ctx context.Context, workflowID string) (*ScheduleMark, error) {
	mark := &ScheduleMark{}
	var lastFired, nextRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, last_fired_at, next_run_at FROM schedule_marks WHERE workflow_id = ?`, workflowID,
	).Scan(&mark.WorkflowID, &lastFired, &nextRun)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastFired.Valid {
		mark.LastFiredAt = &lastFired.Time
	}
	if nextRun.Valid {
		mark.NextRunAt = &nextRun.Time
	}
	return mark, nil
}

func (s *LibSQLStore) SetScheduleMark(ctx context.Context, mark *ScheduleMark) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_marks (workflow_id, last_fired_at, next_run_at) VALUES (?, ?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE SET last_fired_at=excluded.last_fired_at, next_run_at=excluded.next_run_at`,
		mark.WorkflowID, nullTime(mark.LastFiredAt), nullTime(mark.NextRunAt),
	)
	return err
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// --- helpers ---

func storeNotFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", kind, id)
}

func statusConflict(id string, actual, expected schema.ExecutionStatus) error {
	return schema.NewErrorf(schema.ErrCodeConflict,
		"execution %q is %s, expected %s", id, actual, expected)
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(kind, id)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return json.RawMessage("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}
