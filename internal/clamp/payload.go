package clamp

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

const (
	// maxPayloadElements caps the element/key count of a single array or
	// object inside a tool payload.
	maxPayloadElements = 128

	// maxPayloadDepth caps recursion into nested payloads. Subtrees below
	// this depth are replaced with a type marker.
	maxPayloadDepth = 10

	// shrinkPasses bounds the fallback preview shrink loop.
	shrinkPasses = 6

	// minPreviewBytes is the floor below which the preview is not shrunk
	// further.
	minPreviewBytes = 256
)

// CapPayload walks an arbitrary nested payload and returns a value whose
// JSON serialization fits budget.MaxBytes. Strings are clamped, oversized
// collections are trimmed with an omission marker, subtrees beyond the
// depth ceiling become type markers, and revisited objects become
// "[Circular]". CapPayload never panics: if the result still cannot be
// serialized within budget, it degrades to a {truncated, bytes, preview}
// wrapper.
func CapPayload(v any, budget Budget) any {
	budget = budget.WithDefaults()
	c := &capper{budget: budget, seen: make(map[uintptr]struct{})}

	out := c.walk(reflect.ValueOf(v), 0)

	data, err := safeMarshal(out)
	if err != nil {
		return fallbackWrapper(fmt.Sprintf("%v", v), len(fmt.Sprintf("%v", v)), budget)
	}
	if len(data) <= budget.MaxBytes {
		return out
	}
	// Escaping overhead or sheer element count pushed the serialized form
	// over budget.
	return fallbackWrapper(string(data), len(data), budget)
}

type capper struct {
	budget Budget
	seen   map[uintptr]struct{}
}

func (c *capper) walk(v reflect.Value, depth int) any {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if v.Kind() == reflect.Pointer {
			id := v.Pointer()
			if _, ok := c.seen[id]; ok {
				return "[Circular]"
			}
			c.seen[id] = struct{}{}
			defer delete(c.seen, id)
		}
		return c.walk(v.Elem(), depth)

	case reflect.String:
		return Clamp(v.String(), c.budget).Text

	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return v.Float()

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice {
			if v.IsNil() {
				return nil
			}
			id := v.Pointer()
			if _, ok := c.seen[id]; ok {
				return "[Circular]"
			}
			c.seen[id] = struct{}{}
			defer delete(c.seen, id)
		}
		if depth >= maxPayloadDepth {
			return fmt.Sprintf("[Array(%d)]", v.Len())
		}
		return c.walkList(v, depth)

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		id := v.Pointer()
		if _, ok := c.seen[id]; ok {
			return "[Circular]"
		}
		c.seen[id] = struct{}{}
		defer delete(c.seen, id)
		if depth >= maxPayloadDepth {
			return "[Object]"
		}
		return c.walkMap(v, depth)

	case reflect.Struct:
		if depth >= maxPayloadDepth {
			return "[Object]"
		}
		return c.walkStruct(v, depth)

	default:
		// Func, Chan, UnsafePointer and friends have no JSON form.
		return fmt.Sprintf("[%s]", v.Kind())
	}
}

func (c *capper) walkList(v reflect.Value, depth int) any {
	n := v.Len()
	keep := n
	if keep > maxPayloadElements {
		keep = maxPayloadElements
	}
	out := make([]any, 0, keep+1)
	for i := 0; i < keep; i++ {
		out = append(out, c.walk(v.Index(i), depth+1))
	}
	if n > keep {
		out = append(out, fmt.Sprintf("[... %d more elements omitted]", n-keep))
	}
	return out
}

func (c *capper) walkMap(v reflect.Value, depth int) any {
	keys := v.MapKeys()
	// Deterministic output: sort keys by their string form.
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
	})
	keep := len(keys)
	if keep > maxPayloadElements {
		keep = maxPayloadElements
	}
	out := make(map[string]any, keep+1)
	for _, k := range keys[:keep] {
		out[fmt.Sprint(k.Interface())] = c.walk(v.MapIndex(k), depth+1)
	}
	if len(keys) > keep {
		out["_omitted"] = fmt.Sprintf("[... %d more keys omitted]", len(keys)-keep)
	}
	return out
}

func (c *capper) walkStruct(v reflect.Value, depth int) any {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			if tag == "-" {
				continue
			}
			if idx := indexComma(tag); idx > 0 {
				name = tag[:idx]
			} else if idx < 0 && tag != "" {
				name = tag
			}
		}
		out[name] = c.walk(v.Field(i), depth+1)
	}
	return out
}

func indexComma(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			return i
		}
	}
	return -1
}

// safeMarshal serializes without letting a misbehaving MarshalJSON panic
// escape the capper.
func safeMarshal(v any) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("marshal panic: %v", r)
		}
	}()
	return json.Marshal(v)
}

// fallbackWrapper builds the degraded {truncated, bytes, preview} form and
// shrinks the preview until the wrapper itself serializes within budget or
// the floor is hit.
func fallbackWrapper(preview string, originalBytes int, budget Budget) map[string]any {
	previewBudget := budget.MaxBytes / 2
	for pass := 0; pass < shrinkPasses; pass++ {
		if previewBudget < minPreviewBytes {
			previewBudget = minPreviewBytes
		}
		wrapper := map[string]any{
			"truncated": true,
			"bytes":     originalBytes,
			"preview":   Clamp(preview, Budget{MaxBytes: previewBudget, MaxLines: budget.MaxLines}).Text,
		}
		data, err := safeMarshal(wrapper)
		if err == nil && len(data) <= budget.MaxBytes {
			return wrapper
		}
		if previewBudget == minPreviewBytes {
			break
		}
		previewBudget /= 2
	}
	return map[string]any{
		"truncated": true,
		"bytes":     originalBytes,
		"preview":   Clamp(preview, Budget{MaxBytes: minPreviewBytes, MaxLines: 16}).Text,
	}
}
