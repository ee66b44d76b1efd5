package syncpass

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/fleetsync/internal/mapping"
	"github.com/ChuLiYu/fleetsync/pkg/types"
)

// Well-known top-level keys shared by authority task data and worker
// snapshot data.
const (
	keyStatus   = "status"
	keyPriority = "priority"
	keyControl  = "control"
)

func stringAt(data map[string]any, path string) string {
	v, ok := mapping.GetPath(data, path)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// parseControl reads the out-of-band directives of an authority update.
//
// Recognised keys under "control": stop (bool), reason (string),
// priority_override (string), config_update (map).
func parseControl(data map[string]any) (types.ControlDirective, error) {
	var d types.ControlDirective
	raw, ok := mapping.GetPath(data, keyControl)
	if !ok || raw == nil {
		return d, nil
	}
	ctl, ok := raw.(map[string]any)
	if !ok {
		return d, fmt.Errorf("control: expected map, got %T", raw)
	}

	if v, ok := ctl["stop"]; ok && v != nil {
		b, err := mapping.Coerce(v, "bool")
		if err != nil {
			return d, fmt.Errorf("control.stop: %w", err)
		}
		d.Stop = b.(bool)
	}
	d.StopReason = stringAt(ctl, "reason")
	d.PriorityOverride = stringAt(ctl, "priority_override")
	if v, ok := ctl["config_update"]; ok && v != nil {
		m, ok := v.(map[string]any)
		if !ok {
			return d, fmt.Errorf("control.config_update: expected map, got %T", v)
		}
		d.ConfigUpdate = mapping.CloneMap(m)
	}
	return d, nil
}

// Fingerprint hashes a projected output set. encoding/json sorts map keys,
// so equal maps always hash the same, and numbers hash by value rather than
// by Go type.
func Fingerprint(outputs map[string]any) string {
	b, err := json.Marshal(outputs)
	if err != nil {
		// unmarshalable outputs never match a stored fingerprint
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
