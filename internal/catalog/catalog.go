// Package catalog provides lookup of Action and Tool definitions.
//
// The engine treats the catalog as an external collaborator: executions
// reference actions by key or id, and the catalog resolves them within the
// caller's org. The in-memory implementation backs tests and single-process
// deployments; production deployments can provide their own implementation.
package catalog

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/toolrun/toolrun/internal/validation"
	"github.com/toolrun/toolrun/pkg/schema"
)

// Catalog resolves action and tool definitions for the engine.
type Catalog interface {
	// GetActionByKey returns the action with the given key within the org.
	GetActionByKey(ctx context.Context, orgID, key string) (*schema.Action, error)

	// GetActionByID returns the action with the given id. Actions belonging
	// to a different org are reported as not found, never as forbidden, so
	// existence does not leak across tenants.
	GetActionByID(ctx context.Context, orgID, id string) (*schema.Action, error)

	// GetTool returns the tool definition an action dispatches through.
	GetTool(ctx context.Context, toolID string) (*schema.Tool, error)
}

// Memory is an in-memory Catalog guarded by a RWMutex.
type Memory struct {
	mu        sync.RWMutex
	actions   map[string]*schema.Action // id -> action
	actionIdx map[string]string         // orgID + "\x00" + key -> id
	tools     map[string]*schema.Tool   // id -> tool

	validator *validation.DefinitionValidator
}

// NewMemory creates an empty in-memory catalog.
func NewMemory() (*Memory, error) {
	validator, err := validation.NewDefinitionValidator()
	if err != nil {
		return nil, err
	}
	return &Memory{
		actions:   make(map[string]*schema.Action),
		actionIdx: make(map[string]string),
		tools:     make(map[string]*schema.Tool),
		validator: validator,
	}, nil
}

// RegisterTool adds a tool definition to the catalog.
func (m *Memory) RegisterTool(tool *schema.Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool definition is nil")
	}
	if tool.BaseURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool base_url is required")
	}
	if tool.AuthType == "" {
		tool.AuthType = schema.AuthNone
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if tool.ID == "" {
		tool.ID = uuid.New().String()
	}
	cp := *tool
	m.tools[cp.ID] = &cp
	return nil
}

// RegisterAction validates and adds an action definition to the catalog.
// The action's tool must already be registered.
func (m *Memory) RegisterAction(action *schema.Action) error {
	if err := m.validator.ValidateAction(action); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tools[action.ToolID]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "tool not found: %s", action.ToolID)
	}

	idxKey := action.OrgID + "\x00" + action.Key
	if existing, ok := m.actionIdx[idxKey]; ok && existing != action.ID {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"action key already registered: %s", action.Key)
	}

	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	cp := *action
	m.actions[cp.ID] = &cp
	m.actionIdx[idxKey] = cp.ID
	return nil
}

func (m *Memory) GetActionByKey(ctx context.Context, orgID, key string) (*schema.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.actionIdx[orgID+"\x00"+key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action not found: %s", key)
	}
	cp := *m.actions[id]
	return &cp, nil
}

func (m *Memory) GetActionByID(ctx context.Context, orgID, id string) (*schema.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	action, ok := m.actions[id]
	if !ok || action.OrgID != orgID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action not found: %s", id)
	}
	cp := *action
	return &cp, nil
}

func (m *Memory) GetTool(ctx context.Context, toolID string) (*schema.Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tool, ok := m.tools[toolID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool not found: %s", toolID)
	}
	cp := *tool
	return &cp, nil
}
