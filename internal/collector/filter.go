package collector

import (
	"path"
	"strings"
)

// pathPattern is a parsed exclusion pattern with its matching strategy.
type pathPattern struct {
	pattern   string
	glob      bool
	matchPath bool // true = match against the full path; false = match against the file name only
}

// ExclusionFilter drops activities by path, owning process or extension.
//
// Path patterns containing a backslash are matched against the full path:
// as a case-insensitive substring, or with path.Match semantics when they
// contain wildcards. Patterns without a backslash match the file name only.
type ExclusionFilter struct {
	paths      []pathPattern
	processes  map[string]bool
	extensions map[string]bool
}

// NewExclusionFilter builds a filter. Blank entries and entries starting
// with '#' are skipped.
func NewExclusionFilter(paths, processes, extensions []string) *ExclusionFilter {
	f := &ExclusionFilter{
		processes:  make(map[string]bool),
		extensions: make(map[string]bool),
	}
	for _, raw := range paths {
		raw = strings.ToLower(strings.TrimSpace(raw))
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		f.paths = append(f.paths, pathPattern{
			pattern:   raw,
			glob:      strings.ContainsAny(raw, "*?["),
			matchPath: strings.Contains(raw, pathSeparator),
		})
	}
	for _, raw := range processes {
		raw = strings.ToLower(strings.TrimSpace(raw))
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		f.processes[raw] = true
	}
	for _, raw := range extensions {
		raw = strings.ToLower(strings.TrimSpace(raw))
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		if !strings.HasPrefix(raw, ".") {
			raw = "." + raw
		}
		f.extensions[raw] = true
	}
	return f
}

// ExcludesProcess reports whether activities of the named process are dropped.
func (f *ExclusionFilter) ExcludesProcess(name string) bool {
	if name == "" || len(f.processes) == 0 {
		return false
	}
	return f.processes[strings.ToLower(name)]
}

// ExcludesExtension reports whether the file name's extension is dropped.
func (f *ExclusionFilter) ExcludesExtension(fileName string) bool {
	if len(f.extensions) == 0 {
		return false
	}
	return f.extensions[strings.ToLower(path.Ext(fileName))]
}

// ExcludesPath reports whether the absolute path p is dropped.
func (f *ExclusionFilter) ExcludesPath(p string) bool {
	if len(f.paths) == 0 || p == "" {
		return false
	}

	lower := strings.ToLower(p)
	slashed := strings.ReplaceAll(lower, pathSeparator, "/")
	base := lower
	if i := strings.LastIndex(lower, pathSeparator); i >= 0 {
		base = lower[i+1:]
	}

	for _, pat := range f.paths {
		var matched bool
		switch {
		case pat.matchPath && pat.glob:
			var err error
			matched, err = path.Match(strings.ReplaceAll(pat.pattern, pathSeparator, "/"), slashed)
			if err != nil {
				continue
			}
		case pat.matchPath:
			matched = strings.Contains(lower, pat.pattern)
		case pat.glob:
			var err error
			matched, err = path.Match(pat.pattern, base)
			if err != nil {
				continue
			}
		default:
			matched = base == pat.pattern
		}
		if matched {
			return true
		}
	}
	return false
}
