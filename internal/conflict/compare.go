package conflict

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/ChuLiYu/fleetsync/internal/mapping"
)

// ErrMergeNotMap is returned by the merge strategy for non-map values
var ErrMergeNotMap = errors.New("conflict: merge requires map values on both sides")

// normalize 統一數值型別，避免 int(5) 與 float64(5) 被視為不同
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalize(val)
		}
		return out
	}
	return v
}

// Equal compares two field values after numeric normalisation
func Equal(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// merge 淺層合併：以 worker 的 map 為底，權威系統的頂層 key 覆蓋
func merge(authorityValue, workerValue any) (any, error) {
	a, okA := authorityValue.(map[string]any)
	w, okW := workerValue.(map[string]any)
	if !okA || !okW {
		return nil, fmt.Errorf("%w: %T / %T", ErrMergeNotMap, authorityValue, workerValue)
	}
	out := mapping.CloneMap(w)
	if out == nil {
		out = make(map[string]any, len(a))
	}
	for k, v := range a {
		out[k] = mapping.CloneValue(v)
	}
	return out, nil
}

// conflictID is a length-prefixed SHA-256 over the identifying fields.
func conflictID(workerID, taskID, field string, ts time.Time) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(workerID)
	writeField(taskID)
	writeField(field)
	writeField(ts.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// renderDiff produces a unified diff of the two sides' JSON renderings
func renderDiff(field string, authorityValue, workerValue any) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(render(authorityValue)),
		B:        difflib.SplitLines(render(workerValue)),
		FromFile: "authority/" + field,
		ToFile:   "worker/" + field,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return fmt.Sprintf("- %v\n+ %v\n", authorityValue, workerValue)
	}
	return text
}

func render(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v\n", v)
	}
	return string(b) + "\n"
}
