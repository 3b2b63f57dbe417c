package docstore

import (
	"sort"
	"strings"
)

// applyFields применяет обновление по путям к документу на месте.
// Промежуточное значение, которое не является картой, заменяется картой.
func applyFields(doc Document, f Fields) {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	// родитель раньше потомка: "progress.3" до "progress.3.percent"
	sort.Strings(keys)

	for _, k := range keys {
		parts := strings.Split(k, ".")
		m := map[string]any(doc)
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = cloneValue(f[k])
	}
}

// rebaseFields переписывает обновление для бэкендов, которые не умеют
// писать путь сквозь не-карту: такое значение заменяется картой
// из полей, которые под ним пишутся. Итог совпадает с applyFields.
func rebaseFields(doc Document, f Fields) Fields {
	out := Fields{}
	grouped := map[string]Fields{}
	for k, v := range f {
		prefix, rest, ok := blockedPrefix(doc, k)
		if !ok {
			out[k] = v
			continue
		}
		if grouped[prefix] == nil {
			grouped[prefix] = Fields{}
		}
		grouped[prefix][rest] = v
	}
	for prefix, sub := range grouped {
		m := Document{}
		applyFields(m, sub)
		out[prefix] = map[string]any(m)
	}
	return out
}

// blockedPrefix: первый промежуточный сегмент пути, значение которого
// в документе есть, но не является картой.
func blockedPrefix(doc Document, path string) (prefix, rest string, ok bool) {
	parts := SplitPath(path)
	m := map[string]any(doc)
	for i := 0; i < len(parts)-1; i++ {
		v, exists := m[parts[i]]
		if !exists {
			return "", "", false
		}
		next, isMap := v.(map[string]any)
		if !isMap {
			return strings.Join(parts[:i+1], "."), strings.Join(parts[i+1:], "."), true
		}
		m = next
	}
	return "", "", false
}

func cloneDocument(d Document) Document {
	if d == nil {
		return nil
	}
	return Document(cloneMap(d))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case Document:
		return cloneMap(x)
	case Fields:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	case []map[string]any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneMap(x[i])
		}
		return out
	}
	return v
}

// SplitPath: путь Fields в виде сегментов.
func SplitPath(path string) []string { return strings.Split(path, ".") }
