package config

// ============================================================================
// Builders
// Responsibility: translate the YAML sections into the typed configuration of
// each component
// ============================================================================

import (
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/fleetsync/internal/budget"
	"github.com/ChuLiYu/fleetsync/internal/conflict"
	"github.com/ChuLiYu/fleetsync/internal/mapping"
	"github.com/ChuLiYu/fleetsync/internal/orchestrator"
	"github.com/ChuLiYu/fleetsync/internal/syncpass"
	"github.com/ChuLiYu/fleetsync/pkg/types"
)

// Registry builds the transform registry: built-ins plus the declared lookups
func (c Config) Registry() (*mapping.Registry, error) {
	tables := make(map[string]mapping.LookupTable, len(c.Transforms))
	for name, t := range c.Transforms {
		tables[name] = mapping.LookupTable{Mapping: t.Mapping, Passthrough: t.Passthrough}
	}
	return mapping.NewRegistry(tables)
}

// Table builds the worker ↔ task mapping table
func (c Config) Table() (*mapping.Table, error) {
	ids := make([]string, 0, len(c.Mappings))
	for id := range c.Mappings {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	entries := make([]mapping.WorkerMapping, 0, len(ids))
	for _, id := range ids {
		spec := c.Mappings[id]
		entries = append(entries, mapping.WorkerMapping{
			WorkerID:        id,
			AuthorityTaskID: spec.AuthorityTaskID,
			Inputs:          fieldMappings(spec.InputMapping),
			Outputs:         fieldMappings(spec.OutputMapping),
		})
	}
	return mapping.NewTable(entries)
}

func fieldMappings(in map[string]FieldSpec) []types.FieldMapping {
	out := make([]types.FieldMapping, 0, len(in))
	for name, f := range in {
		valueType := f.Type
		if valueType == "" {
			valueType = "any"
		}
		out = append(out, types.FieldMapping{
			FieldName:  name,
			SourcePath: f.Source,
			TargetPath: f.Target,
			ValueType:  valueType,
			Default:    f.Default,
			HasDefault: f.Default != nil,
			Required:   f.Required,
			Transform:  f.Transform,
		})
	}
	return out
}

// Policies builds the conflict strategy table. Entries for status and
// priority are accepted but have no effect.
func (c Config) Policies() (conflict.Policies, error) {
	p := conflict.Policies{
		Category: make(map[types.ConflictType]types.ResolutionStrategy),
		Fields:   make(map[types.ConflictType]map[string]types.ResolutionStrategy),
	}
	if c.ConflictResolution.Default != "" {
		s, err := conflict.ParseStrategy(c.ConflictResolution.Default)
		if err != nil {
			return conflict.Policies{}, fmt.Errorf("conflict_resolution.default: %w", err)
		}
		p.Default = s
	}

	for name, spec := range c.ConflictResolution.Policies {
		ct, err := conflict.ParseCategory(name)
		if err != nil {
			return conflict.Policies{}, fmt.Errorf("conflict_resolution.policies: %w", err)
		}
		if ct == types.ConflictStatus || ct == types.ConflictPriority {
			log.Warn("Conflict policy ignored; category always resolves authority-wins", "category", name)
			continue
		}
		if spec.Priority != "" {
			s, err := conflict.ParseStrategy(spec.Priority)
			if err != nil {
				return conflict.Policies{}, fmt.Errorf("conflict_resolution.policies.%s: %w", name, err)
			}
			p.Category[ct] = s
		}
		for field, raw := range spec.Fields {
			s, err := conflict.ParseStrategy(raw)
			if err != nil {
				return conflict.Policies{}, fmt.Errorf("conflict_resolution.policies.%s.fields.%s: %w", name, field, err)
			}
			if p.Fields[ct] == nil {
				p.Fields[ct] = make(map[string]types.ResolutionStrategy)
			}
			p.Fields[ct][field] = s
		}
	}
	return p, nil
}

// SyncConfig returns the settings shared by the downstream and upstream passes
func (c Config) SyncConfig() syncpass.Config {
	return syncpass.Config{
		BatchSize:      c.Sync.BatchSize,
		Concurrency:    c.Sync.Concurrency,
		CallTimeout:    c.Sync.CallTimeout,
		SourceUnitCost: c.Budget.SourceUnitCost,
		TargetUnitCost: c.Budget.TargetUnitCost,
	}
}

// BudgetConfig returns the daily ceiling settings
func (c Config) BudgetConfig() budget.Config {
	return budget.Config{
		DailyLimit:            c.Budget.DailyLimit,
		AlertThresholdPercent: c.Budget.AlertThresholdPercent,
	}
}

// OrchestratorConfig returns the cycle loop settings
func (c Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		Interval:           time.Duration(c.SyncIntervalSeconds) * time.Second,
		MaxRetries:         c.MaxRetries,
		HealthCooldown:     c.HealthCooldown,
		BudgetCooldown:     c.Budget.Cooldown,
		EstimatedCycleCost: c.Budget.EstimatedCycleCost,
	}
}
