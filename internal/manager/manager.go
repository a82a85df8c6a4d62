package manager

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/houndflow/internal/store"
	"github.com/rendis/houndflow/internal/validation"
	"github.com/rendis/houndflow/pkg/schema"
)

// DefaultVersion is assigned to workflows created without a version.
const DefaultVersion = "1.0.0"

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Category string
	Tag      string
}

// Patch carries the fields to change on Update and Clone. Nil fields are left
// as they are.
type Patch struct {
	Name        *string             `json:"name,omitempty"`
	Description *string             `json:"description,omitempty"`
	Category    *string             `json:"category,omitempty"`
	Version     *string             `json:"version,omitempty"`
	Tags        []string            `json:"tags,omitempty"`
	Steps       []schema.Step       `json:"steps,omitempty"`
	Outputs     []schema.OutputSpec `json:"outputs,omitempty"`
}

// Manager stores and retrieves workflow definitions.
type Manager struct {
	store     store.Store
	validator validation.Validator
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithValidator validates definitions on Create, Update and Import.
func WithValidator(v validation.Validator) Option {
	return func(m *Manager) { m.validator = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides uuid-based id generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// New creates a Manager backed by s.
func New(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create stores a copy of wf under a freshly generated id. Missing version
// defaults to DefaultVersion; created_at and updated_at are set to now.
func (m *Manager) Create(ctx context.Context, wf *schema.Workflow) (*schema.Workflow, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is required")
	}
	out, err := copyWorkflow(wf)
	if err != nil {
		return nil, err
	}
	out.ID = m.newID()
	if out.Version == "" {
		out.Version = DefaultVersion
	}
	if out.Steps == nil {
		out.Steps = []schema.Step{}
	}
	now := m.now().UTC()
	out.CreatedAt = now
	out.UpdatedAt = now

	if err := m.validate(out); err != nil {
		return nil, err
	}
	if err := m.store.PutWorkflow(ctx, out); err != nil {
		return nil, err
	}
	m.logger.Info("workflow created", "workflow_id", out.ID, "name", out.Name)
	return out, nil
}

// Get returns the stored workflow, or nil with no error when id is unknown.
func (m *Manager) Get(ctx context.Context, id string) (*schema.Workflow, error) {
	wf, err := m.store.GetWorkflow(ctx, id)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, nil
	}
	return wf, err
}

// Update applies patch to the stored workflow and bumps updated_at to a
// value strictly after both created_at and the previous updated_at.
func (m *Manager) Update(ctx context.Context, id string, patch Patch) (*schema.Workflow, error) {
	wf, err := m.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := applyPatch(wf, patch); err != nil {
		return nil, err
	}

	updated := m.now().UTC()
	floor := wf.CreatedAt
	if wf.UpdatedAt.After(floor) {
		floor = wf.UpdatedAt
	}
	if !updated.After(floor) {
		updated = floor.Add(time.Millisecond)
	}
	wf.UpdatedAt = updated

	if err := m.validate(wf); err != nil {
		return nil, err
	}
	if err := m.store.PutWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	m.logger.Info("workflow updated", "workflow_id", id)
	return wf, nil
}

// Delete removes a workflow. Unknown ids return NOT_FOUND.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteWorkflow(ctx, id); err != nil {
		return err
	}
	m.logger.Info("workflow deleted", "workflow_id", id)
	return nil
}

// List returns workflows ordered by creation time.
func (m *Manager) List(ctx context.Context, filter Filter) ([]*schema.Workflow, error) {
	all, err := m.store.ListWorkflows(ctx, store.WorkflowFilter{Category: filter.Category})
	if err != nil {
		return nil, err
	}
	if filter.Tag == "" {
		return all, nil
	}
	out := all[:0]
	for _, wf := range all {
		if slices.ContainsFunc(wf.Tags, func(t string) bool { return strings.EqualFold(t, filter.Tag) }) {
			out = append(out, wf)
		}
	}
	return out, nil
}

// Search matches query as a case-insensitive substring of the name,
// description or any tag. An empty query matches everything.
func (m *Manager) Search(ctx context.Context, query string) ([]*schema.Workflow, error) {
	all, err := m.store.ListWorkflows(ctx, store.WorkflowFilter{})
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return all, nil
	}
	out := all[:0]
	for _, wf := range all {
		if matches(wf, q) {
			out = append(out, wf)
		}
	}
	return out, nil
}

func matches(wf *schema.Workflow, q string) bool {
	if strings.Contains(strings.ToLower(wf.Name), q) ||
		strings.Contains(strings.ToLower(wf.Description), q) {
		return true
	}
	for _, t := range wf.Tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}

// Clone stores a deep copy of the workflow under a new id with overrides
// applied. Without a name override the copy is named "<name> (copy)".
func (m *Manager) Clone(ctx context.Context, id string, overrides Patch) (*schema.Workflow, error) {
	src, err := m.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if overrides.Name == nil {
		name := src.Name + " (copy)"
		overrides.Name = &name
	}
	if err := applyPatch(src, overrides); err != nil {
		return nil, err
	}
	clone, err := m.Create(ctx, src)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("workflow cloned", "source_id", id, "workflow_id", clone.ID)
	return clone, nil
}

// exportDoc shadows CreatedAt so it is dropped from the output.
type exportDoc struct {
	*schema.Workflow
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Export serializes a workflow for sharing. created_at is omitted; the
// result can be fed back to Import.
func (m *Manager) Export(ctx context.Context, id string) ([]byte, error) {
	wf, err := m.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(exportDoc{Workflow: wf}, "", "  ")
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "export workflow %s: %s", id, err.Error()).WithCause(err)
	}
	return data, nil
}

// Import validates an exported document and creates a new workflow from it.
// The document's id and timestamps are replaced.
func (m *Manager) Import(ctx context.Context, data []byte) (*schema.Workflow, error) {
	if m.validator != nil {
		if err := m.validator.ValidateDocument(data); err != nil {
			return nil, err
		}
	}
	var wf schema.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode workflow: %s", err.Error()).WithCause(err)
	}
	return m.Create(ctx, &wf)
}

func (m *Manager) validate(wf *schema.Workflow) error {
	if m.validator == nil {
		return nil
	}
	return m.validator.ValidateWorkflow(wf)
}

func applyPatch(wf *schema.Workflow, p Patch) error {
	if p.Name != nil {
		wf.Name = *p.Name
	}
	if p.Description != nil {
		wf.Description = *p.Description
	}
	if p.Category != nil {
		wf.Category = *p.Category
	}
	if p.Version != nil {
		wf.Version = *p.Version
	}
	if p.Tags != nil {
		wf.Tags = slices.Clone(p.Tags)
	}
	if p.Steps != nil || p.Outputs != nil {
		// Round-trip so the workflow never aliases the caller's step tree.
		cp, err := copyWorkflow(&schema.Workflow{Steps: p.Steps, Outputs: p.Outputs})
		if err != nil {
			return err
		}
		if p.Steps != nil {
			wf.Steps = cp.Steps
		}
		if p.Outputs != nil {
			wf.Outputs = cp.Outputs
		}
	}
	return nil
}

func copyWorkflow(wf *schema.Workflow) (*schema.Workflow, error) {
	data, err := json.Marshal(wf)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow is not serializable: %s", err.Error()).WithCause(err)
	}
	var out schema.Workflow
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "copy workflow: %s", err.Error()).WithCause(err)
	}
	return &out, nil
}
