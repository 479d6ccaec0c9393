package dynlib

import (
	"fmt"
	"io/fs"
	"iter"
	"sync"

	"go.uber.org/zap"
)

// Options configure a Context.
type Options struct {
	Config Config
	// Resources is the bundle searched for <prefix>/<platform-tag>/<file>,
	// typically an embed.FS. Nil disables bundled libraries.
	Resources fs.FS
	// Logger overrides both the package logger and Config.Log.
	Logger *zap.Logger

	loader osLoader
}

// Context owns the process-wide state: search paths, the extractor and the
// library registry. Most programs use one Context, see Default.
type Context struct {
	cfg       Config
	platform  Platform
	paths     *SearchPaths
	resolver  *Resolver
	extractor *Extractor
	registry  *Registry
	log       *zap.Logger

	crtOnce sync.Once
	crt     *Library
}

// New builds a Context from opts.
func New(opts Options) (*Context, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		var err error
		if log, err = cfg.NewLogger(); err != nil {
			return nil, err
		}
	}
	p := Describe()
	if cfg.PointerWidth != 0 {
		p = p.WithPointerWidth(cfg.PointerWidth)
	}
	loader := opts.loader
	if loader == nil {
		loader = newOSLoader(cfg)
	}

	paths := NewSearchPaths(p)
	for _, dir := range cfg.LibraryPath {
		paths.Add("", dir)
	}
	for name, dirs := range cfg.Paths {
		for _, dir := range dirs {
			paths.Add(name, dir)
		}
	}
	extractor := NewExtractor(opts.Resources, cfg.TempDir, p, log.Named("extract"))
	extractor.RemoveStale()
	resolver := NewResolver(p, paths, cfg.SearchRoot, opts.Resources, cfg.resourcePrefix())
	c := &Context{
		cfg:       cfg,
		platform:  p,
		paths:     paths,
		resolver:  resolver,
		extractor: extractor,
		registry:  newRegistry(p, loader, resolver, extractor, cfg.dependentSearch(p.OS), log.Named("registry")),
		log:       log,
	}
	log.Debug("native context ready",
		zap.Stringer("os", p.OS),
		zap.String("arch", p.Arch),
		zap.Int("pointer_width", p.PointerWidth),
		zap.String("search_root", cfg.SearchRoot))
	return c, nil
}

var (
	defaultOnce sync.Once
	defaultCtx  *Context
	defaultErr  error
)

// Default returns the process-wide Context configured from dynlib.toml and
// the DYNLIB_* environment variables.
func Default() (*Context, error) {
	defaultOnce.Do(func() {
		cfg, err := LoadConfigDefault()
		if err != nil {
			defaultErr = err
			return
		}
		defaultCtx, defaultErr = New(Options{Config: cfg})
	})
	return defaultCtx, defaultErr
}

func (c *Context) Platform() Platform       { return c.platform }
func (c *Context) Config() Config           { return c.cfg }
func (c *Context) Registry() *Registry      { return c.registry }
func (c *Context) Extractor() *Extractor    { return c.extractor }
func (c *Context) Libraries() []LibraryInfo { return c.registry.Libraries() }

// AddSearchPath registers dir for name, or for every name when name is
// empty. Later registrations for a name are tried first.
func (c *Context) AddSearchPath(name, dir string) {
	c.paths.Add(name, dir)
}

// Resolve lists the locations Load would try for name, in order.
func (c *Context) Resolve(name string) iter.Seq[Candidate] {
	return c.resolver.Resolve(name)
}

// Load acquires the library for name. Every successful Load must be paired
// with Unload or Library.Close.
func (c *Context) Load(name string) (*Library, error) {
	return c.registry.Acquire(name)
}

// MustLoad is like Load but panics on failure.
func (c *Context) MustLoad(name string) *Library {
	lib, err := c.Load(name)
	if err != nil {
		panic(err)
	}
	return lib
}

// LoadInterface loads name and binds it against set. Closing the proxy
// releases the library.
func (c *Context) LoadInterface(name string, set *SignatureSet) (*Proxy, error) {
	lib, err := c.Load(name)
	if err != nil {
		return nil, err
	}
	proxy, err := lib.Bind(set)
	if err != nil {
		if rerr := lib.Close(); rerr != nil {
			c.log.Warn("releasing library after bind failure", zap.String("name", name), zap.Error(rerr))
		}
		return nil, err
	}
	proxy.owned = true
	return proxy, nil
}

// LoadConfigured loads name and binds it against the signature set declared
// for it in the configuration.
func (c *Context) LoadConfigured(name string) (*Proxy, error) {
	sets, err := c.cfg.SignatureSets()
	if err != nil {
		return nil, err
	}
	set, ok := sets[name]
	if !ok {
		return nil, fmt.Errorf("dynlib: no [[library]] declaration for %q", name)
	}
	return c.LoadInterface(name, set)
}

// Unload releases one reference to lib.
func (c *Context) Unload(lib *Library) error {
	return c.registry.Release(lib)
}

// CRuntime returns the platform C runtime. It is loaded once and kept for
// the life of the Context. Failure to load it is fatal.
func (c *Context) CRuntime() *Library {
	c.crtOnce.Do(func() {
		name := c.platform.CRuntime
		lib, err := c.Load(name)
		if err != nil {
			c.log.Fatal("cannot load the C runtime",
				zap.String("library", name),
				zap.Strings("tried", triedPaths(err)),
				zap.Error(err))
		}
		c.crt = lib
	})
	return c.crt
}

func triedPaths(err error) []string {
	e, ok := err.(*Error)
	if !ok {
		return nil
	}
	paths := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		paths = append(paths, a.Candidate.Path)
	}
	return paths
}

// Close unloads every library still held and removes extracted files.
func (c *Context) Close() error {
	c.registry.closeAll()
	err := c.extractor.Close()
	_ = c.log.Sync()
	return err
}
