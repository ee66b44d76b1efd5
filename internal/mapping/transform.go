package mapping

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrTransformNotFound 設定引用了未註冊的 transform
	ErrTransformNotFound = errors.New("mapping: transform not found")
	// ErrNoLookupEntry 查表 transform 沒有對應的項目
	ErrNoLookupEntry = errors.New("mapping: no lookup entry for value")
	// ErrTypeCoercion 值無法轉換為宣告的型別
	ErrTypeCoercion = errors.New("mapping: cannot coerce value")
	// ErrNotInvertible 找不到 transform 之前的原始值
	ErrNotInvertible = errors.New("mapping: transform not invertible")
)

// TransformFunc 一個純函式 transform
type TransformFunc func(v any) (any, error)

// LookupTable 宣告式查表 transform，設定只能提供資料，不能提供程式碼
type LookupTable struct {
	Mapping     map[string]any
	Passthrough bool // 找不到時原樣回傳，而不是報錯
}

func (t LookupTable) apply(v any) (any, error) {
	key := fmt.Sprint(v)
	if out, ok := t.Mapping[key]; ok {
		return out, nil
	}
	if t.Passthrough {
		return v, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoLookupEntry, key)
}

// inverse 一對一查表的反向表；多對一時回傳 false
func (t LookupTable) inverse() (map[string]any, bool) {
	inv := make(map[string]any, len(t.Mapping))
	for k, v := range t.Mapping {
		key := fmt.Sprint(v)
		if _, dup := inv[key]; dup {
			return nil, false
		}
		inv[key] = k
	}
	return inv, true
}

// Registry 已註冊 transform 的固定集合
type Registry struct {
	funcs   map[string]TransformFunc
	inverse map[string]map[string]any // 一對一查表：轉換後的值 → 原始 key
}

// builtins 內建 transform，名稱保留，不能被查表覆蓋
var builtins = map[string]TransformFunc{
	"lowercase": stringFunc(strings.ToLower),
	"uppercase": stringFunc(strings.ToUpper),
	"trim":      stringFunc(strings.TrimSpace),
	"to_string": func(v any) (any, error) { return Coerce(v, "string") },
	"to_int":    func(v any) (any, error) { return Coerce(v, "int") },
	"to_float":  func(v any) (any, error) { return Coerce(v, "float") },
	"to_bool":   func(v any) (any, error) { return Coerce(v, "bool") },
}

func stringFunc(fn func(string) string) TransformFunc {
	return func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %T to string", ErrTypeCoercion, v)
		}
		return fn(s), nil
	}
}

// NewRegistry 建立 registry，包含內建 transform 與設定提供的查表
func NewRegistry(tables map[string]LookupTable) (*Registry, error) {
	r := &Registry{
		funcs:   make(map[string]TransformFunc, len(builtins)+len(tables)),
		inverse: make(map[string]map[string]any),
	}
	for name, fn := range builtins {
		r.funcs[name] = fn
	}
	for name, table := range tables {
		if _, reserved := builtins[name]; reserved {
			return nil, fmt.Errorf("mapping: transform %q shadows a built-in", name)
		}
		if len(table.Mapping) == 0 {
			return nil, fmt.Errorf("mapping: transform %q has an empty lookup table", name)
		}
		r.funcs[name] = table.apply
		if inv, ok := table.inverse(); ok {
			r.inverse[name] = inv
		}
	}
	return r, nil
}

// Apply 執行指定名稱的 transform
func (r *Registry) Apply(name string, v any) (any, error) {
	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTransformNotFound, name)
	}
	return fn(v)
}

// Invert 找出經 transform 後等於 v 的原始值，用於把解決後的值寫回來源端
//
// 一對一查表走反向表；其他情況只有 v 本身是不動點時才原樣回傳
// （例如已是小寫的字串、passthrough 查表中不存在的 key）。
func (r *Registry) Invert(name string, v any) (any, error) {
	if _, ok := r.funcs[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrTransformNotFound, name)
	}
	if inv, ok := r.inverse[name]; ok {
		if src, ok := inv[fmt.Sprint(v)]; ok {
			return src, nil
		}
	}
	if out, err := r.Apply(name, v); err == nil && fmt.Sprint(out) == fmt.Sprint(v) {
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s(%v)", ErrNotInvertible, name, v)
}

// Invertible 設定層級的判斷：內建 transform 與一對一查表可還原
func (r *Registry) Invertible(name string) bool {
	if _, ok := builtins[name]; ok {
		return true
	}
	_, ok := r.inverse[name]
	return ok
}

// Has 是否已註冊
func (r *Registry) Has(name string) bool {
	_, ok := r.funcs[name]
	return ok
}

// Names 回傳排序後的 transform 名稱
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// KnownType 是否為支援的 value_type
func KnownType(t string) bool {
	switch t {
	case "", "any", "string", "int", "float", "bool", "map", "list":
		return true
	}
	return false
}

// Coerce 把值轉換為宣告的 value_type
func Coerce(v any, valueType string) (any, error) {
	switch valueType {
	case "", "any":
		return v, nil

	case "string":
		switch x := v.(type) {
		case string:
			return x, nil
		case map[string]any, []any:
			return nil, fmt.Errorf("%w: %T to string", ErrTypeCoercion, v)
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		default:
			return fmt.Sprint(x), nil
		}

	case "int":
		switch x := v.(type) {
		case int:
			return x, nil
		case int64:
			return int(x), nil
		case float64:
			if x != float64(int(x)) {
				return nil, fmt.Errorf("%w: %v is not integral", ErrTypeCoercion, x)
			}
			return int(x), nil
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("%w: %q to int", ErrTypeCoercion, x)
			}
			return n, nil
		}

	case "float":
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q to float", ErrTypeCoercion, x)
			}
			return f, nil
		}

	case "bool":
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("%w: %q to bool", ErrTypeCoercion, x)
			}
			return b, nil
		case int:
			return x != 0, nil
		case float64:
			return x != 0, nil
		}

	case "map":
		if m, ok := asMap(v); ok {
			return m, nil
		}

	case "list":
		if l, ok := v.([]any); ok {
			return l, nil
		}

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrTypeCoercion, valueType)
	}

	return nil, fmt.Errorf("%w: %T to %s", ErrTypeCoercion, v, valueType)
}
