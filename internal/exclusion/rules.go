// Package exclusion decides which workspace paths are excluded from tracking.
package exclusion

import (
	"path"
	"strings"
)

// Rules filters workspace-relative paths (forward slashes). The coordination
// document and its backup are always excluded, independent of configuration,
// so the engine never tries to vectorize its own state file.
type Rules struct {
	folders    map[string]struct{}
	extensions map[string]struct{}
	prefixes   []string
	files      map[string]struct{}
	always     []string
}

// New builds a rule set. coordinationPath is the workspace-relative path of
// the coordination document; it and "<path>.backup" are hard-excluded.
func New(folders, extensions, prefixes, files []string, coordinationPath string) *Rules {
	r := &Rules{
		folders:    make(map[string]struct{}, len(folders)),
		extensions: make(map[string]struct{}, len(extensions)),
		files:      make(map[string]struct{}, len(files)),
	}
	for _, f := range folders {
		r.folders[normalize(f)] = struct{}{}
	}
	for _, e := range extensions {
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		r.extensions[strings.ToLower(e)] = struct{}{}
	}
	for _, p := range prefixes {
		r.prefixes = append(r.prefixes, p)
	}
	for _, f := range files {
		r.files[normalize(f)] = struct{}{}
	}
	if coordinationPath != "" {
		cp := normalize(coordinationPath)
		r.always = []string{cp, cp + ".backup"}
	}
	return r
}

// Excluded reports whether the given workspace-relative path is excluded.
func (r *Rules) Excluded(relPath string) bool {
	relPath = normalize(relPath)
	if relPath == "" {
		return true
	}

	for _, always := range r.always {
		if relPath == always {
			return true
		}
	}

	if _, ok := r.files[relPath]; ok {
		return true
	}

	if _, ok := r.extensions[strings.ToLower(path.Ext(relPath))]; ok {
		return true
	}

	base := path.Base(relPath)
	for _, prefix := range r.prefixes {
		if strings.HasPrefix(base, prefix) {
			return true
		}
	}

	// Any path component matching an excluded folder excludes the file
	dir := path.Dir(relPath)
	for dir != "." && dir != "/" {
		if _, ok := r.folders[dir]; ok {
			return true
		}
		if _, ok := r.folders[path.Base(dir)]; ok {
			return true
		}
		dir = path.Dir(dir)
	}

	return false
}

func normalize(p string) string {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.Trim(p, "/")
}
