package dynlib

import (
	"io/fs"
	"iter"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// Source tells where a candidate location came from.
type Source int

const (
	SourceAbsolute Source = iota
	SourceNamed
	SourceGlobal
	SourceRoot
	SourceBundle
	SourceSystem
	SourceDefault
)

func (s Source) String() string {
	switch s {
	case SourceAbsolute:
		return "absolute"
	case SourceNamed:
		return "named"
	case SourceGlobal:
		return "global"
	case SourceRoot:
		return "search-root"
	case SourceBundle:
		return "bundle"
	case SourceSystem:
		return "system"
	default:
		return "default"
	}
}

// Candidate is one location to try for a library. Resource candidates
// name a file inside the resource bundle and must be extracted before the
// OS loader can open them.
type Candidate struct {
	Path     string
	Resource bool
	Source   Source
}

// SearchPaths is the ordered set of directories registered by the host,
// either for one logical name or globally.
type SearchPaths struct {
	mu       sync.Mutex
	platform Platform
	global   []string
	named    map[string][]string
}

func NewSearchPaths(p Platform) *SearchPaths {
	return &SearchPaths{platform: p, named: make(map[string][]string)}
}

// Add registers dir for the logical name, or globally when name is empty.
// Re-adding a directory is allowed and duplicates its candidates.
func (s *SearchPaths) Add(name, dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		s.global = append(s.global, dir)
		return
	}
	key := s.key(name)
	s.named[key] = append(s.named[key], dir)
}

func (s *SearchPaths) key(name string) string {
	if s.platform.CaseInsensitive() {
		return strings.ToLower(name)
	}
	return name
}

// snapshot returns the per-name directories (most recent first) and the
// global directories (insertion order) as of now.
func (s *SearchPaths) snapshot(name string) (named, global []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	named = slices.Clone(s.named[s.key(name)])
	slices.Reverse(named)
	return named, slices.Clone(s.global)
}

// Resolver enumerates candidate locations for logical names. It never
// loads anything.
type Resolver struct {
	platform  Platform
	paths     *SearchPaths
	root      string
	resources fs.FS
	prefix    string
}

func NewResolver(p Platform, paths *SearchPaths, root string, resources fs.FS, prefix string) *Resolver {
	return &Resolver{platform: p, paths: paths, root: root, resources: resources, prefix: strings.Trim(prefix, "/")}
}

// Resolve returns the candidates for name in search order. Registrations
// made after Resolve is called do not appear in the sequence.
func (r *Resolver) Resolve(name string) iter.Seq[Candidate] {
	named, global := r.paths.snapshot(name)
	return func(yield func(Candidate) bool) {
		if isAbsolute(name) {
			if !yield(Candidate{Path: name, Source: SourceAbsolute}) {
				return
			}
			locator := strings.TrimLeft(filepath.ToSlash(name), "/")
			if r.hasResource(locator) {
				yield(Candidate{Path: locator, Resource: true, Source: SourceAbsolute})
			}
			return
		}
		files := r.platform.FileNames(name)
		inDirs := func(dirs []string, src Source) bool {
			for _, dir := range dirs {
				for _, f := range files {
					if !yield(Candidate{Path: filepath.Join(dir, f), Source: src}) {
						return false
					}
				}
			}
			return true
		}
		if !inDirs(named, SourceNamed) || !inDirs(global, SourceGlobal) {
			return
		}
		if r.root != "" && !inDirs([]string{r.root}, SourceRoot) {
			return
		}
		for _, f := range files {
			locator := r.locator(f)
			if r.hasResource(locator) {
				if !yield(Candidate{Path: locator, Resource: true, Source: SourceBundle}) {
					return
				}
			}
		}
		if !inDirs(r.platform.SystemLibraryDirs(), SourceSystem) {
			return
		}
		for _, f := range files {
			if !yield(Candidate{Path: f, Source: SourceDefault}) {
				return
			}
		}
	}
}

func (r *Resolver) locator(file string) string {
	if r.prefix == "" {
		return path.Join(r.platform.ResourceTag(), file)
	}
	return path.Join(r.prefix, r.platform.ResourceTag(), file)
}

func (r *Resolver) hasResource(locator string) bool {
	if r.resources == nil || !fs.ValidPath(locator) {
		return false
	}
	fi, err := fs.Stat(r.resources, locator)
	return err == nil && fi.Mode().IsRegular()
}

func isAbsolute(name string) bool {
	return filepath.IsAbs(name) || strings.HasPrefix(name, "/")
}
