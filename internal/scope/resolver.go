package scope

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"converge/internal/logging"
)

// Bundle is a resolved scope: the ordered file set a run operates on.
type Bundle struct {
	Slug  string            `json:"slug"`
	Files []string          `json:"files"`
	Risks map[string]string `json:"risks,omitempty"` // file -> annotation
}

// ResolutionError means no interpretation of the descriptor matched any file.
type ResolutionError struct {
	Descriptor string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("scope %q resolved to no files", e.Descriptor)
}

// Resolver resolves descriptors against a project tree using the scope map.
type Resolver struct {
	root     string
	scopeMap *Map
	log      *slog.Logger
}

// NewResolver creates a resolver rooted at the project directory.
func NewResolver(root string, m *Map) *Resolver {
	return &Resolver{root: root, scopeMap: m, log: logging.New("scope")}
}

// Resolve turns a descriptor into a Bundle. Resolution order: explicit
// feature/category globs from the scope map, then stack fallback globs
// filtered by the descriptor keyword, then a bare keyword walk over the
// tree. Fails with ResolutionError when every interpretation is empty.
func (r *Resolver) Resolve(d Descriptor) (*Bundle, error) {
	globs, explicit := r.scopeMap.globsFor(d)

	files, err := r.matchGlobs(globs)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 && !explicit {
		// Stack fallback: source globs filtered by the descriptor keyword.
		stackFiles, err := r.matchGlobs(r.scopeMap.stackGlobs())
		if err != nil {
			return nil, err
		}
		keyword := strings.ToLower(d.Value)
		for _, f := range stackFiles {
			if pathMentions(f, keyword) {
				files = append(files, f)
			}
		}
	}

	if len(files) == 0 && !explicit {
		// Last tier: any path in the tree that mentions the keyword. Covers
		// projects with no scope map at all.
		files, err = r.keywordWalk(strings.ToLower(d.Value))
		if err != nil {
			return nil, err
		}
	}

	if len(files) == 0 {
		return nil, &ResolutionError{Descriptor: d.String()}
	}

	sort.Strings(files)
	b := &Bundle{Slug: d.Slug(), Files: files}
	r.annotateRisks(b)
	r.log.Info("scope resolved", "descriptor", d.String(), "slug", b.Slug, "files", len(b.Files))
	return b, nil
}

// matchGlobs walks the tree once and matches relative paths against the
// patterns. A pattern ending in "/**" matches everything under that prefix;
// otherwise it is matched with path.Match against the relative path and the
// base name.
func (r *Resolver) matchGlobs(globs []string) ([]string, error) {
	if len(globs) == 0 {
		return nil, nil
	}
	return r.walkMatching(func(rel string) bool { return matchesAny(rel, globs) })
}

// keywordWalk collects every file whose path mentions the descriptor keyword.
func (r *Resolver) keywordWalk(keyword string) ([]string, error) {
	if keyword == "" {
		return nil, nil
	}
	return r.walkMatching(func(rel string) bool { return pathMentions(rel, keyword) })
}

func (r *Resolver) walkMatching(match func(rel string) bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(r.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if name == ".git" || strings.HasPrefix(name, ".") && p != r.root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(r.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if match(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk project tree: %w", err)
	}
	return files, nil
}

func matchesAny(rel string, globs []string) bool {
	for _, g := range globs {
		g = filepath.ToSlash(strings.TrimSpace(g))
		if g == "" {
			continue
		}
		if prefix, ok := strings.CutSuffix(g, "/**"); ok {
			if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
				return true
			}
			continue
		}
		if ok, _ := path.Match(g, rel); ok {
			return true
		}
		if ok, _ := path.Match(g, path.Base(rel)); ok {
			return true
		}
	}
	return false
}

func pathMentions(rel, keyword string) bool {
	if keyword == "" {
		return false
	}
	lower := strings.ToLower(rel)
	for _, tok := range strings.FieldsFunc(keyword, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

func (r *Resolver) annotateRisks(b *Bundle) {
	if r.scopeMap == nil || len(r.scopeMap.Risks) == 0 {
		return
	}
	for _, f := range b.Files {
		for glob, note := range r.scopeMap.Risks {
			if matchesAny(f, []string{glob}) {
				if b.Risks == nil {
					b.Risks = make(map[string]string)
				}
				b.Risks[f] = note
			}
		}
	}
}
