package mapping

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyPath 路徑為空
	ErrEmptyPath = errors.New("mapping: empty path")
	// ErrPathConflict 路徑中間節點不是 map，無法寫入
	ErrPathConflict = errors.New("mapping: path traverses a non-map value")
)

// GetPath 以點號路徑讀取巢狀 map 中的值
//
// 回傳值：
//   - any: 找到的值
//   - bool: 路徑是否存在（值本身可能為 nil）
func GetPath(data map[string]any, path string) (any, bool) {
	if path == "" || data == nil {
		return nil, false
	}

	var current any = data
	for _, segment := range strings.Split(path, ".") {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// SetPath 以點號路徑寫入值，必要時建立中間層 map
func SetPath(data map[string]any, path string, value any) error {
	if path == "" {
		return ErrEmptyPath
	}
	if data == nil {
		return fmt.Errorf("mapping: set %q on nil map", path)
	}

	segments := strings.Split(path, ".")
	current := data
	for _, segment := range segments[:len(segments)-1] {
		next, exists := current[segment]
		if !exists || next == nil {
			child := make(map[string]any)
			current[segment] = child
			current = child
			continue
		}
		child, ok := asMap(next)
		if !ok {
			return fmt.Errorf("%w: %q at %q", ErrPathConflict, path, segment)
		}
		current[segment] = child
		current = child
	}
	current[segments[len(segments)-1]] = value
	return nil
}

// asMap 接受 map[string]any 以及 YAML 解碼常見的 map[any]any
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// CloneMap 深拷貝巢狀 map 與 slice，其他值按值複製
func CloneMap(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue 深拷貝單一值
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case map[any]any:
		m, _ := asMap(t)
		return CloneMap(m)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return v
	}
}
