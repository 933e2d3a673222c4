package docgen

import (
	"encoding/base64"
	"path"
	"strings"
	"time"
)

// Top-level kinds of the object key space.
const (
	KindTemplates = "templates"
	KindDocuments = "documents"
)

// Object metadata keys.
const (
	MetaOriginalName = "original-name"
	MetaCategory     = "category"
	MetaKey          = "key"
	MetaContentType  = "content-type"
)

const objectNameTimeLayout = "20060102T150405.000"

// sanitize replaces every character outside [A-Za-z0-9] (plus any in keep)
// with '_' so the result is filesystem and URL safe.
func sanitize(s, keep string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case strings.ContainsRune(keep, r):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func sanitizeSegment(s string) string {
	return sanitize(strings.TrimSpace(s), "-_")
}

// GenerateObjectName builds a timestamp-prefixed, sanitized object name.
// The original name survives only in metadata (see EncodeOriginalName).
func GenerateObjectName(now time.Time, originalName string) string {
	base := path.Base(strings.ReplaceAll(originalName, "\\", "/"))
	ext := strings.ToLower(path.Ext(base))
	stem := sanitize(strings.TrimSuffix(base, path.Ext(base)), "-")
	if stem == "" || strings.Trim(stem, "_") == "" {
		stem = "file"
	}
	ts := strings.ReplaceAll(now.UTC().Format(objectNameTimeLayout), ".", "")
	return ts + "_" + stem + sanitize(ext, ".")
}

// ObjectKey joins kind/category/sub/name, skipping an empty sub.
func ObjectKey(kind, category, sub, name string) string {
	parts := []string{sanitizeSegment(kind), sanitizeSegment(category)}
	if s := sanitizeSegment(sub); s != "" {
		parts = append(parts, s)
	}
	parts = append(parts, name)
	return strings.Join(parts, "/")
}

// TemplatePrefix is the listing prefix holding every version of one template.
func TemplatePrefix(category, key string) string {
	p := KindTemplates + "/" + sanitizeSegment(category) + "/"
	if s := sanitizeSegment(key); s != "" {
		p += s + "/"
	}
	return p
}

func EncodeOriginalName(name string) string {
	return base64.StdEncoding.EncodeToString([]byte(name))
}

func DecodeOriginalName(v string) (string, bool) {
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil || len(b) == 0 {
		return "", false
	}
	return string(b), true
}

// originalNameOf recovers the human-readable file name of an object,
// falling back to the last key segment.
func originalNameOf(info ObjectInfo) string {
	if v, ok := info.Metadata[MetaOriginalName]; ok {
		if name, ok := DecodeOriginalName(v); ok {
			return name
		}
	}
	return path.Base(info.Key)
}

func fileExtension(name string) string {
	return strings.ToLower(path.Ext(strings.ReplaceAll(name, "\\", "/")))
}

var contentTypes = map[string]string{
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".xlsm": "application/vnd.ms-excel.sheet.macroEnabled.12",
	".xltx": "application/vnd.openxmlformats-officedocument.spreadsheetml.template",
	".xltm": "application/vnd.ms-excel.template.macroEnabled.12",
	".xls":  "application/vnd.ms-excel",
	".csv":  "text/csv",
}

// ContentTypeFor maps a file extension to its MIME type.
func ContentTypeFor(ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && ext[0] != '.' {
		ext = "." + ext
	}
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}
