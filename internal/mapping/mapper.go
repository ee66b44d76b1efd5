// ============================================================================
// fleetsync FieldMapper - declarative field projection
// ============================================================================
//
// Package: internal/mapping
// File: mapper.go
// Purpose: Projects one field from a source record shape into a target path,
//          driven entirely by configuration.
//
// Projection steps (per FieldMapping):
//   1. Read source_path (dot notation) from the source data
//   2. Missing or null → use default if declared
//   3. Still missing → ErrRequiredMissing if required, otherwise skip
//   4. Apply the named transform (fixed registry, lookup tables only)
//   5. Coerce to value_type
//
// Transforms never evaluate configuration-supplied code.
//
// ============================================================================

package mapping

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/fleetsync/pkg/types"
)

// ErrRequiredMissing indicates a required field had no source value and no default
var ErrRequiredMissing = errors.New("mapping: required field missing")

// Mapper projects fields using a transform registry
type Mapper struct {
	transforms *Registry
}

// NewMapper creates a Mapper. A nil registry means built-in transforms only.
func NewMapper(transforms *Registry) *Mapper {
	if transforms == nil {
		transforms, _ = NewRegistry(nil)
	}
	return &Mapper{transforms: transforms}
}

// Project resolves the value for one mapping.
//
// Returns:
//   - value: the projected value
//   - ok: false when the field should be skipped (absent, not required)
//   - err: ErrRequiredMissing, transform or coercion failures
func (m *Mapper) Project(fm types.FieldMapping, source map[string]any) (any, bool, error) {
	value, found := GetPath(source, fm.SourcePath)
	if !found || value == nil {
		switch {
		case fm.HasDefault:
			value = fm.Default
		case fm.Required:
			return nil, false, fmt.Errorf("%w: %s (source %q)", ErrRequiredMissing, fm.FieldName, fm.SourcePath)
		default:
			return nil, false, nil
		}
	}

	if fm.Transform != "" {
		transformed, err := m.transforms.Apply(fm.Transform, value)
		if err != nil {
			return nil, false, fmt.Errorf("field %s: %w", fm.FieldName, err)
		}
		value = transformed
	}

	coerced, err := Coerce(value, fm.ValueType)
	if err != nil {
		return nil, false, fmt.Errorf("field %s: %w", fm.FieldName, err)
	}
	return coerced, true, nil
}

// Transforms exposes the registry (used by config validation)
func (m *Mapper) Transforms() *Registry {
	return m.transforms
}

// WorkerMapping is the full mapping entry for one worker
type WorkerMapping struct {
	WorkerID        string
	AuthorityTaskID string
	Inputs          []types.FieldMapping // sorted by FieldName
	Outputs         []types.FieldMapping // sorted by FieldName
}

// Table is the immutable mapping table loaded from configuration
type Table struct {
	workers map[string]WorkerMapping
	byTask  map[string]string
}

// NewTable builds the table and its task_id → worker_id index
func NewTable(entries []WorkerMapping) (*Table, error) {
	t := &Table{
		workers: make(map[string]WorkerMapping, len(entries)),
		byTask:  make(map[string]string, len(entries)),
	}
	for _, e := range entries {
		if e.WorkerID == "" {
			return nil, fmt.Errorf("mapping: worker entry without id")
		}
		if _, dup := t.workers[e.WorkerID]; dup {
			return nil, fmt.Errorf("mapping: duplicate worker %q", e.WorkerID)
		}
		if e.AuthorityTaskID != "" {
			if other, dup := t.byTask[e.AuthorityTaskID]; dup {
				return nil, fmt.Errorf("mapping: task %q mapped to both %q and %q", e.AuthorityTaskID, other, e.WorkerID)
			}
			t.byTask[e.AuthorityTaskID] = e.WorkerID
		}
		e.Inputs = sortedMappings(e.Inputs)
		e.Outputs = sortedMappings(e.Outputs)
		t.workers[e.WorkerID] = e
	}
	return t, nil
}

func sortedMappings(in []types.FieldMapping) []types.FieldMapping {
	out := append([]types.FieldMapping(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].FieldName < out[j].FieldName })
	return out
}

// WorkerForTask resolves task_id → worker_id
func (t *Table) WorkerForTask(taskID string) (string, bool) {
	id, ok := t.byTask[taskID]
	return id, ok
}

// Worker returns the mapping entry for one worker
func (t *Table) Worker(workerID string) (WorkerMapping, bool) {
	w, ok := t.workers[workerID]
	return w, ok
}

// WorkerIDs returns all known worker ids, sorted
func (t *Table) WorkerIDs() []string {
	ids := make([]string, 0, len(t.workers))
	for id := range t.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks every mapping against the transform registry and known types
func (t *Table) Validate(reg *Registry) error {
	var errs []error
	for _, id := range t.WorkerIDs() {
		w := t.workers[id]
		for _, fm := range append(append([]types.FieldMapping(nil), w.Inputs...), w.Outputs...) {
			if fm.SourcePath == "" || fm.TargetPath == "" {
				errs = append(errs, fmt.Errorf("worker %s field %s: source and target are required", id, fm.FieldName))
			}
			if !KnownType(fm.ValueType) {
				errs = append(errs, fmt.Errorf("worker %s field %s: unknown type %q", id, fm.FieldName, fm.ValueType))
			}
			if fm.Transform != "" && !reg.Has(fm.Transform) {
				errs = append(errs, fmt.Errorf("worker %s field %s: %w: %q", id, fm.FieldName, ErrTransformNotFound, fm.Transform))
			}
		}
	}
	return errors.Join(errs...)
}
