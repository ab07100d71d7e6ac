package source

import (
	"path/filepath"
	"strings"
)

// ExclusionRules filters files and folders out of source enumeration.
// Extensions match a file's suffix case-insensitively (with or without the
// leading dot in config); folder names match any path component exactly.
type ExclusionRules struct {
	extensions map[string]bool
	folders    map[string]bool
}

// NewExclusionRules builds rules from raw config lists.
// Blank entries and entries starting with '#' are skipped.
func NewExclusionRules(extensions, folders []string) *ExclusionRules {
	r := &ExclusionRules{
		extensions: make(map[string]bool),
		folders:    make(map[string]bool),
	}
	for _, raw := range extensions {
		raw = strings.TrimSpace(strings.ToLower(raw))
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		if !strings.HasPrefix(raw, ".") {
			raw = "." + raw
		}
		r.extensions[raw] = true
	}
	for _, raw := range folders {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		r.folders[raw] = true
	}
	return r
}

// ExcludeFile reports whether a file name is excluded by extension.
func (r *ExclusionRules) ExcludeFile(name string) bool {
	if len(r.extensions) == 0 {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext != "" && r.extensions[ext]
}

// ExcludeDir reports whether a directory name is excluded.
func (r *ExclusionRules) ExcludeDir(name string) bool {
	return r.folders[name]
}
