package docgen

import "time"

// TemplateDescriptor identifies the current remote version of a template.
type TemplateDescriptor struct {
	Category         string
	Key              string
	ObjectKey        string
	OriginalFileName string
	LastModified     time.Time
	Size             int64
}

type CacheEntry struct {
	Content       []byte
	FileName      string
	FileExtension string
	ObjectKey     string

	// CachedAt is the local time the entry was written.
	CachedAt time.Time

	// SourceLastModified is the descriptor's LastModified at fetch time. An
	// entry older than the latest known remote version is never served.
	SourceLastModified time.Time
}

// validFor reports whether the entry may be served for d at now.
func (e CacheEntry) validFor(d TemplateDescriptor, ttl time.Duration, now time.Time) bool {
	if e.ObjectKey != d.ObjectKey {
		return false
	}
	if now.Sub(e.CachedAt) >= ttl {
		return false
	}
	return !e.SourceLastModified.Before(d.LastModified)
}

type RowKind string

const (
	RowParent RowKind = "parent"
	RowChild  RowKind = "child"
)

// RowRecord is one line of hierarchical input. Group names the parent key a
// record belongs to; for a parent it is usually its own KeyValue.
type RowRecord struct {
	Kind       RowKind `json:"kind" yaml:"kind"`
	Group      string  `json:"group,omitempty" yaml:"group,omitempty"`
	KeyValue   string  `json:"keyValue" yaml:"keyValue"`
	Attribute1 string  `json:"attribute1,omitempty" yaml:"attribute1,omitempty"`
	Attribute2 string  `json:"attribute2,omitempty" yaml:"attribute2,omitempty"`
}

func (r RowRecord) groupKey() string {
	if r.Group != "" {
		return r.Group
	}
	if r.Kind == RowParent {
		return r.KeyValue
	}
	return ""
}

// RowGroup is a parent record plus its ordered children.
type RowGroup struct {
	Key      string
	Parent   *RowRecord
	Children []RowRecord
}

// Flatten returns the rows of groups in output order: each parent before its
// children, groups in the given order.
func Flatten(groups []RowGroup) []RowRecord {
	n := 0
	for _, g := range groups {
		n += len(g.Children)
		if g.Parent != nil {
			n++
		}
	}
	out := make([]RowRecord, 0, n)
	for _, g := range groups {
		if g.Parent != nil {
			out = append(out, *g.Parent)
		}
		out = append(out, g.Children...)
	}
	return out
}

// GroupRecords arranges a flat dataset into groups following order. Keys in
// order that match no record are returned in missing. An empty order keeps
// the first-appearance order of the dataset.
func GroupRecords(records []RowRecord, order []string) (groups []RowGroup, missing []string) {
	byKey := map[string]*RowGroup{}
	var seen []string
	for i := range records {
		rec := records[i]
		k := rec.groupKey()
		if k == "" {
			continue
		}
		g, ok := byKey[k]
		if !ok {
			g = &RowGroup{Key: k}
			byKey[k] = g
			seen = append(seen, k)
		}
		if rec.Kind == RowParent {
			if g.Parent == nil {
				g.Parent = &rec
			}
			continue
		}
		g.Children = append(g.Children, rec)
	}

	if len(order) == 0 {
		order = seen
	}
	used := make(map[string]bool, len(order))
	for _, k := range order {
		if used[k] {
			continue
		}
		used[k] = true
		g, ok := byKey[k]
		if !ok {
			missing = append(missing, k)
			continue
		}
		groups = append(groups, *g)
	}
	return groups, missing
}

// UploadPlan is derived per upload and never reused across payload sizes.
type UploadPlan struct {
	PartSize    int64
	Parallelism int
	UseChunking bool
}

// PartCount is the number of parts a payload of size is split into.
func (p UploadPlan) PartCount(size int64) int {
	if !p.UseChunking || p.PartSize <= 0 || size <= 0 {
		return 1
	}
	return int((size + p.PartSize - 1) / p.PartSize)
}
