package conflict

import (
	"fmt"

	"github.com/ChuLiYu/fleetsync/pkg/types"
)

// Policies is the strategy lookup table for parameter and output conflicts.
// Status and priority conflicts ignore it and always resolve authority-wins.
type Policies struct {
	Default  types.ResolutionStrategy
	Category map[types.ConflictType]types.ResolutionStrategy
	Fields   map[types.ConflictType]map[string]types.ResolutionStrategy
}

// StrategyFor looks up field policy, then category policy, then Default,
// then authority-wins.
func (p Policies) StrategyFor(ct types.ConflictType, field string) types.ResolutionStrategy {
	if ct == types.ConflictStatus || ct == types.ConflictPriority {
		return types.StrategyAuthorityWins
	}
	if s, ok := p.Fields[ct][field]; ok && s != "" {
		return s
	}
	if s, ok := p.Category[ct]; ok && s != "" {
		return s
	}
	if p.Default != "" {
		return p.Default
	}
	return types.StrategyAuthorityWins
}

// ParseStrategy maps a configuration keyword to a strategy.
func ParseStrategy(s string) (types.ResolutionStrategy, error) {
	switch s {
	case "authority", "authority_wins":
		return types.StrategyAuthorityWins, nil
	case "worker", "worker_wins":
		return types.StrategyWorkerWins, nil
	case "merge":
		return types.StrategyMerge, nil
	case "latest":
		return types.StrategyLatest, nil
	}
	return "", fmt.Errorf("conflict: unknown resolution policy %q", s)
}

// ParseCategory maps a configuration category name to a conflict type.
// Both "parameters" and "parameter" are accepted.
func ParseCategory(s string) (types.ConflictType, error) {
	switch s {
	case "status":
		return types.ConflictStatus, nil
	case "priority":
		return types.ConflictPriority, nil
	case "parameter", "parameters":
		return types.ConflictParameter, nil
	case "output", "outputs":
		return types.ConflictOutput, nil
	}
	return "", fmt.Errorf("conflict: unknown category %q", s)
}
