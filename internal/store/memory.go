package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tallybook/automaton/pkg/schema"
)

// MemoryStore is an in-memory Store implementation used in tests and for
// ephemeral runs. Safe for concurrent use.
type MemoryStore struct {
	mu         sync.RWMutex
	defs       map[string]map[int]*schema.WorkflowDefinition // id -> version -> def
	rules      map[string]*schema.BusinessRule
	executions map[string]*Execution
	logs       map[string][]*LogEntry // execution_id -> entries
	samples    map[string]*ThresholdSample
	marks      map[string]*ScheduleMark
	secrets    map[string][]byte
	nextLogID  int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs:       make(map[string]map[int]*schema.WorkflowDefinition),
		rules:      make(map[string]*schema.BusinessRule),
		executions: make(map[string]*Execution),
		logs:       make(map[string][]*LogEntry),
		samples:    make(map[string]*ThresholdSample),
		marks:      make(map[string]*ScheduleMark),
		secrets:    make(map[string][]byte),
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

// --- Workflow definitions ---

func (s *MemoryStore) CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.defs[def.ID]
	if !ok {
		versions = make(map[int]*schema.WorkflowDefinition)
		s.defs[def.ID] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow definition %q version %d already exists", def.ID, def.Version)
	}
	cp := *def
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	versions[def.Version] = &cp
	return nil
}

func (s *MemoryStore) CreateDefinitionVersion(ctx context.Context, def *schema.WorkflowDefinition) error {
	return s.CreateDefinition(ctx, def)
}

func (s *MemoryStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.defs[id]
	if len(versions) == 0 {
		return nil, storeNotFound("workflow definition", id)
	}
	max := 0
	for v := range versions {
		if v > max {
			max = v
		}
	}
	cp := *versions[max]
	return &cp, nil
}

func (s *MemoryStore) GetDefinitionVersion(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[id][version]
	if !ok {
		return nil, storeNotFound("workflow definition", id)
	}
	cp := *def
	return &cp, nil
}

func (s *MemoryStore) SetDefinitionStatus(ctx context.Context, id string, status schema.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.defs[id]
	if len(versions) == 0 {
		return storeNotFound("workflow definition", id)
	}
	now := time.Now().UTC()
	for _, def := range versions {
		def.Status = status
		def.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var defs []*schema.WorkflowDefinition
	for _, versions := range s.defs {
		max := 0
		for v := range versions {
			if v > max {
				max = v
			}
		}
		def := versions[max]
		if filter.TenantID != "" && def.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != nil && def.Status != *filter.Status {
			continue
		}
		if filter.TriggerType != "" && def.Trigger.Type != filter.TriggerType {
			continue
		}
		cp := *def
		defs = append(defs, &cp)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].CreatedAt.After(defs[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(defs) {
			return nil, nil
		}
		defs = defs[filter.Offset:]
	}
	if filter.Limit > 0 && len(defs) > filter.Limit {
		defs = defs[:filter.Limit]
	}
	return defs, nil
}

func (s *MemoryStore) DeleteDefinition(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.defs[id]) == 0 {
		return storeNotFound("workflow definition", id)
	}
	delete(s.defs, id)
	return nil
}

// --- Business rules ---

func (s *MemoryStore) CreateRule(ctx context.Context, rule *schema.BusinessRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[rule.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "business rule %q already exists", rule.ID)
	}
	cp := *rule
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	s.rules[rule.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRule(ctx context.Context, id string) (*schema.BusinessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, storeNotFound("business rule", id)
	}
	cp := *rule
	return &cp, nil
}

func (s *MemoryStore) UpdateRule(ctx context.Context, rule *schema.BusinessRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rules[rule.ID]
	if !ok {
		return storeNotFound("business rule", rule.ID)
	}
	cp := *rule
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	s.rules[rule.ID] = &cp
	return nil
}

func (s *MemoryStore) ListRules(ctx context.Context, filter RuleFilter) ([]*schema.BusinessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rules []*schema.BusinessRule
	for _, rule := range s.rules {
		if filter.TenantID != "" && rule.TenantID != filter.TenantID {
			continue
		}
		if filter.Enabled != nil && rule.Enabled != *filter.Enabled {
			continue
		}
		if filter.EventType != "" {
			if rule.Trigger.Event == nil || rule.Trigger.Event.EventType != filter.EventType {
				continue
			}
		}
		cp := *rule
		rules = append(rules, &cp)
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
	if filter.Limit > 0 && len(rules) > filter.Limit {
		rules = rules[:filter.Limit]
	}
	return rules, nil
}

func (s *MemoryStore) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return storeNotFound("business rule", id)
	}
	delete(s.rules, id)
	return nil
}

// --- Executions ---

func (s *MemoryStore) CreateExecution(ctx context.Context, ex *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[ex.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", ex.ID)
	}
	cp := *ex
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	s.executions[ex.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	cp := *ex
	return &cp, nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[id]
	if !ok {
		return storeNotFound("execution", id)
	}
	if update.ExpectedStatus != nil && ex.Status != *update.ExpectedStatus {
		return statusConflict(id, ex.Status, *update.ExpectedStatus)
	}
	if update.Status != nil {
		ex.Status = *update.Status
	}
	if update.Variables != nil {
		ex.Variables = update.Variables
	}
	if update.CurrentStep != nil {
		ex.CurrentStep = *update.CurrentStep
	}
	if update.WaitReason != nil {
		ex.WaitReason = *update.WaitReason
	}
	if update.ResumeAt != nil {
		t := *update.ResumeAt
		ex.ResumeAt = &t
	}
	if update.ClearWait {
		ex.WaitReason = ""
		ex.ResumeAt = nil
	}
	if update.Error != nil {
		ex.Error = update.Error
	}
	if update.RetryCount != nil {
		ex.RetryCount = *update.RetryCount
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		ex.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		ex.CompletedAt = &t
	}
	ex.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var exs []*Execution
	for _, ex := range s.executions {
		if filter.TenantID != "" && ex.TenantID != filter.TenantID {
			continue
		}
		if filter.WorkflowID != "" && ex.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && ex.Status != *filter.Status {
			continue
		}
		if filter.ParentID != "" && ex.ParentID != filter.ParentID {
			continue
		}
		if filter.DueBefore != nil {
			if ex.ResumeAt == nil || ex.ResumeAt.After(*filter.DueBefore) {
				continue
			}
		}
		if filter.Since != nil && ex.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *ex
		exs = append(exs, &cp)
	}
	sort.Slice(exs, func(i, j int) bool { return exs[i].CreatedAt.After(exs[j].CreatedAt) })
	if filter.Limit > 0 && len(exs) > filter.Limit {
		exs = exs[:filter.Limit]
	}
	return exs, nil
}

// --- Execution log ---

func (s *MemoryStore) AppendLogEntry(ctx context.Context, entry *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLogID++
	entry.ID = s.nextLogID
	entry.Seq = int64(len(s.logs[entry.ExecutionID])) + 1
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	cp := *entry
	s.logs[entry.ExecutionID] = append(s.logs[entry.ExecutionID], &cp)
	return nil
}

func (s *MemoryStore) ListLogEntries(ctx context.Context, executionID string) ([]*LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]*LogEntry, 0, len(s.logs[executionID]))
	for _, e := range s.logs[executionID] {
		cp := *e
		entries = append(entries, &cp)
	}
	return entries, nil
}

// --- Threshold samples ---

func sampleKey(tenantID, workflowID, metric string) string {
	return tenantID + "\x00" + workflowID + "\x00" + metric
}

func (s *MemoryStore) GetThresholdSample(ctx context.Context, tenantID, workflowID, metric string) (*ThresholdSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sample, ok := s.samples[sampleKey(tenantID, workflowID, metric)]
	if !ok {
		return nil, nil
	}
	cp := *sample
	return &cp, nil
}

func (s *MemoryStore) UpsertThresholdSample(ctx context.Context, sample *ThresholdSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sample
	if cp.ObservedAt.IsZero() {
		cp.ObservedAt = time.Now().UTC()
	}
	s.samples[sampleKey(sample.TenantID, sample.WorkflowID, sample.Metric)] = &cp
	return nil
}

// --- Schedule marks ---

func (s *MemoryStore) GetScheduleMark(ctx context.Context, workflowID string) (*ScheduleMark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mark, ok := s.marks[workflowID]
	if !ok {
		return nil, nil
	}
	cp := *mark
	return &cp, nil
}

func (s *MemoryStore) SetScheduleMark(ctx context.Context, mark *ScheduleMark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *mark
	s.marks[mark.WorkflowID] = &cp
	return nil
}

// --- Secrets ---

func (s *MemoryStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.secrets[key] = cp
	return nil
}

func (s *MemoryStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.secrets[key]
	if !ok {
		return nil, storeNotFound("secret", key)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

func (s *MemoryStore) DeleteSecret(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[key]; !ok {
		return storeNotFound("secret", key)
	}
	delete(s.secrets, key)
	return nil
}

func (s *MemoryStore) ListSecrets(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.secrets))
	for k := range s.secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
