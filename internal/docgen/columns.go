package docgen

import "strings"

// ColumnMap maps a normalized header name to its 1-based column index.
type ColumnMap map[string]int

func normalizeHeader(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ResolveColumns builds the ColumnMap of a header row. Each required name
// must occur exactly once (exact match after normalization); otherwise a
// *TemplateStructureError lists the missing and ambiguous names.
func ResolveColumns(headers []string, required []string) (ColumnMap, error) {
	cm := make(ColumnMap, len(headers))
	counts := make(map[string]int, len(headers))
	for i, h := range headers {
		name := normalizeHeader(h)
		if name == "" {
			continue
		}
		counts[name]++
		if _, ok := cm[name]; !ok {
			cm[name] = i + 1
		}
	}

	var missing, dup []string
	for _, r := range required {
		name := normalizeHeader(r)
		switch counts[name] {
		case 0:
			missing = append(missing, name)
		case 1:
		default:
			dup = append(dup, name)
		}
	}
	if len(missing) > 0 || len(dup) > 0 {
		return nil, &TemplateStructureError{Missing: missing, Duplicate: dup}
	}
	return cm, nil
}

// Column returns the index of name, normalizing it first.
func (m ColumnMap) Column(name string) (int, bool) {
	i, ok := m[normalizeHeader(name)]
	return i, ok
}
