package dynlib

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// SelfName is the logical name of the running process image. Acquiring it
// performs no search and no OS load.
const SelfName = "<self>"

// Identity is the canonical identity of a loaded library.
type Identity struct {
	key  string
	path string
}

// SelfIdentity identifies the running process image.
var SelfIdentity = Identity{key: SelfName}

func (i Identity) Key() string  { return i.key }
func (i Identity) Path() string { return i.path }
func (i Identity) IsSelf() bool { return i.key == SelfName }
func (i Identity) String() string {
	if i.path != "" {
		return i.path
	}
	return i.key
}

// Library is a loaded native library. The registry hands out the same
// *Library for every logical name that resolves to the same identity.
type Library struct {
	reg      *Registry
	id       Identity
	name     string
	handle   uintptr
	self     bool
	unloaded atomic.Bool

	// guarded by reg.mu
	refs    int
	deps    []*Library
	aliases []string
}

func (l *Library) Name() string       { return l.name }
func (l *Library) Identity() Identity { return l.id }
func (l *Library) Path() string       { return l.id.path }
func (l *Library) Platform() Platform { return l.reg.platform }
func (l *Library) Loaded() bool       { return !l.unloaded.Load() }
func (l *Library) String() string     { return fmt.Sprintf("Library(%s)", l.id) }
func (l *Library) Close() error       { return l.reg.Release(l) }

// Refs returns the number of outstanding acquisitions.
func (l *Library) Refs() int {
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()
	return l.refs
}

// Symbol returns the address of an exported symbol.
func (l *Library) Symbol(name string) (uintptr, error) {
	if !l.Loaded() {
		return 0, staleHandleError(l)
	}
	var cause error
	for _, sym := range l.reg.platform.SymbolVariants(name) {
		addr, err := l.reg.loader.Sym(l.handle, sym)
		if err == nil && addr != 0 {
			return addr, nil
		}
		if err == nil {
			err = fmt.Errorf("symbol %q resolved to nil", sym)
		}
		cause = err
	}
	return 0, unresolvedSymbolError(l, name, cause)
}

// LibraryInfo is a diagnostic snapshot of one registry entry.
type LibraryInfo struct {
	Name       string
	Identity   Identity
	Refs       int
	Aliases    []string
	Dependents []string
}

// Registry caches loaded libraries so that each physical library is opened
// at most once per registry.
type Registry struct {
	platform   Platform
	loader     osLoader
	resolver   *Resolver
	extractor  *Extractor
	dependents bool
	needed     func(string) ([]string, error)
	log        *zap.Logger

	mu       sync.Mutex
	byID     map[string]*Library
	byHandle map[uintptr]*Library
	byName   map[string]*Library
	self     *Library

	loads   atomic.Int64
	unloads atomic.Int64
}

func newRegistry(p Platform, loader osLoader, resolver *Resolver, extractor *Extractor, dependents bool, log *zap.Logger) *Registry {
	return &Registry{
		platform:   p,
		loader:     loader,
		resolver:   resolver,
		extractor:  extractor,
		dependents: dependents && !p.IsWindowsLike(),
		needed:     neededLibraries,
		log:        log,
		byID:       make(map[string]*Library),
		byHandle:   make(map[uintptr]*Library),
		byName:     make(map[string]*Library),
	}
}

// Loads and Unloads count OS-level load and unload calls.
func (r *Registry) Loads() int64   { return r.loads.Load() }
func (r *Registry) Unloads() int64 { return r.unloads.Load() }

// Acquire returns the library for name, loading it on first use. Every
// successful Acquire must be paired with a Release.
func (r *Registry) Acquire(name string) (*Library, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquireLocked(name, make(map[string]bool))
}

func (r *Registry) acquireLocked(name string, visiting map[string]bool) (*Library, error) {
	if name == SelfName || name == "" {
		if r.self == nil {
			r.self = &Library{reg: r, id: SelfIdentity, name: SelfName, handle: r.loader.Self(), self: true}
		}
		r.self.refs++
		return r.self, nil
	}
	key := r.fold(name)
	if lib := r.byName[key]; lib != nil {
		lib.refs++
		return lib, nil
	}
	var attempts []Attempt
	for cand := range r.resolver.Resolve(name) {
		lib, err := r.tryCandidate(name, cand, visiting)
		if err != nil {
			var xe *Error
			if errors.As(err, &xe) && xe.Kind == KindExtraction {
				return nil, err
			}
			r.log.Debug("candidate rejected",
				zap.String("name", name),
				zap.String("path", cand.Path),
				zap.Stringer("source", cand.Source),
				zap.Error(err))
			attempts = append(attempts, Attempt{Candidate: cand, Err: err})
			continue
		}
		r.byName[key] = lib
		lib.aliases = append(lib.aliases, key)
		return lib, nil
	}
	return nil, loadError(name, attempts)
}

func (r *Registry) tryCandidate(name string, cand Candidate, visiting map[string]bool) (*Library, error) {
	path := cand.Path
	if cand.Resource {
		p, err := r.extractor.Materialize(cand.Path)
		if err != nil {
			return nil, err
		}
		path = p
	}
	onDisk := cand.Source != SourceDefault
	var id Identity
	if onDisk {
		fi, err := os.Stat(path)
		switch {
		case err == nil && fi.IsDir():
			return nil, fmt.Errorf("%s is a directory", path)
		case err == nil:
			id = r.canonical(path)
		case cand.Source == SourceAbsolute && !cand.Resource && r.platform.OS == OSDarwin:
			// System libraries live only in the dyld shared cache.
			onDisk = false
		default:
			return nil, err
		}
	}
	if !onDisk {
		id = Identity{key: "name:" + r.fold(path)}
	}
	if lib := r.byID[id.key]; lib != nil {
		lib.refs++
		return lib, nil
	}

	var deps []*Library
	if onDisk && r.dependents && !visiting[id.key] {
		visiting[id.key] = true
		for _, dep := range siblingDependencies(r.needed, id.path) {
			d, err := r.acquireLocked(dep, visiting)
			if err != nil {
				r.log.Debug("dependent library not preloaded", zap.String("library", id.path), zap.String("dependent", dep), zap.Error(err))
				continue
			}
			deps = append(deps, d)
		}
	}

	h, err := r.loader.Open(path)
	if err != nil {
		r.releaseAll(deps)
		return nil, err
	}
	r.loads.Add(1)
	if lib := r.byHandle[h]; lib != nil {
		// The OS already had this image open under another identity.
		if err := r.loader.Close(h); err != nil {
			r.log.Warn("closing duplicate handle", zap.String("path", path), zap.Error(err))
		}
		r.unloads.Add(1)
		r.releaseAll(deps)
		lib.refs++
		return lib, nil
	}
	if !onDisk {
		if p := r.loader.Path(h); p != "" {
			id = r.canonical(p)
		}
	}
	lib := &Library{reg: r, id: id, name: name, handle: h, refs: 1, deps: deps}
	r.byID[id.key] = lib
	r.byHandle[h] = lib
	r.log.Info("loaded native library",
		zap.String("name", name),
		zap.Stringer("identity", id),
		zap.Stringer("source", cand.Source),
		zap.Int("dependents", len(deps)))
	return lib, nil
}

// Release drops one reference to lib. The last release unloads the library;
// releasing an unloaded library fails with ErrStaleHandle.
func (r *Registry) Release(lib *Library) error {
	if lib == nil {
		return nil
	}
	if lib.reg != r {
		return fmt.Errorf("dynlib: library %s belongs to another registry", lib.id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseLocked(lib)
}

func (r *Registry) releaseLocked(lib *Library) error {
	if !lib.Loaded() || lib.refs <= 0 {
		return staleHandleError(lib)
	}
	lib.refs--
	if lib.refs > 0 || lib.self {
		return nil
	}
	r.unloadLocked(lib)
	return nil
}

func (r *Registry) unloadLocked(lib *Library) {
	delete(r.byID, lib.id.key)
	delete(r.byHandle, lib.handle)
	for _, alias := range lib.aliases {
		if r.byName[alias] == lib {
			delete(r.byName, alias)
		}
	}
	lib.unloaded.Store(true)
	lib.refs = 0
	if err := r.loader.Close(lib.handle); err != nil {
		r.log.Warn("unloading native library", zap.Stringer("identity", lib.id), zap.Error(err))
	} else {
		r.log.Info("unloaded native library", zap.Stringer("identity", lib.id))
	}
	r.unloads.Add(1)
	deps := lib.deps
	lib.deps = nil
	for i := len(deps) - 1; i >= 0; i-- {
		if deps[i].Loaded() {
			_ = r.releaseLocked(deps[i])
		}
	}
}

func (r *Registry) releaseAll(libs []*Library) {
	for i := len(libs) - 1; i >= 0; i-- {
		_ = r.releaseLocked(libs[i])
	}
}

// closeAll unloads every library regardless of outstanding references.
func (r *Registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	libs := make([]*Library, 0, len(r.byID))
	for _, lib := range r.byID {
		libs = append(libs, lib)
	}
	// Unload dependents last: they were loaded first.
	sort.Slice(libs, func(i, j int) bool { return len(libs[i].deps) > len(libs[j].deps) })
	for _, lib := range libs {
		if lib.Loaded() {
			r.unloadLocked(lib)
		}
	}
}

// Libraries returns a snapshot of the loaded libraries ordered by identity.
func (r *Registry) Libraries() []LibraryInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LibraryInfo, 0, len(r.byID))
	for _, lib := range r.byID {
		info := LibraryInfo{Name: lib.name, Identity: lib.id, Refs: lib.refs, Aliases: append([]string(nil), lib.aliases...)}
		for _, d := range lib.deps {
			info.Dependents = append(info.Dependents, d.id.String())
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.key < out[j].Identity.key })
	return out
}

func (r *Registry) canonical(p string) Identity {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if real, err := filepath.EvalSymlinks(p); err == nil {
		p = real
	}
	return Identity{key: r.fold(p), path: p}
}

func (r *Registry) fold(s string) string {
	if r.platform.CaseInsensitive() {
		return strings.ToLower(s)
	}
	return s
}
