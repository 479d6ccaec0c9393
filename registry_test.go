package dynlib

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"
)

func TestLoadFromSearchPath(t *testing.T) {
	ctx, fake := newTestContext(t, Options{})
	dir := t.TempDir()
	path := writeLibrary(t, ctx.Platform(), dir, "testlib")
	ctx.AddSearchPath("testlib", dir)

	lib, err := ctx.Load("testlib")
	if err != nil {
		t.Fatalf("Error loading library: %v", err)
	}
	want, _ := filepath.EvalSymlinks(path)
	if lib.Path() != want {
		t.Errorf("Path() = %q, want %q", lib.Path(), want)
	}
	if lib.Name() != "testlib" || !lib.Loaded() || lib.Refs() != 1 {
		t.Errorf("unexpected library state: %s refs=%d", lib, lib.Refs())
	}
	if fake.opens() != 1 {
		t.Errorf("opened %d times", fake.opens())
	}
}

func TestLoadSameLibraryTwice(t *testing.T) {
	ctx, fake := newTestContext(t, Options{})
	dir := t.TempDir()
	path := writeLibrary(t, ctx.Platform(), dir, "testlib")
	ctx.AddSearchPath("testlib", dir)

	first, err := ctx.Load("testlib")
	if err != nil {
		t.Fatalf("Error loading by name: %v", err)
	}
	second, err := ctx.Load(path)
	if err != nil {
		t.Fatalf("Error loading by path: %v", err)
	}
	third, err := ctx.Load("testlib")
	if err != nil {
		t.Fatalf("Error loading by name again: %v", err)
	}
	if first != second || first != third {
		t.Fatalf("got distinct handles for one library: %p %p %p", first, second, third)
	}
	if first.Refs() != 3 {
		t.Errorf("Refs() = %d, want 3", first.Refs())
	}
	if fake.opens() != 1 || ctx.Registry().Loads() != 1 {
		t.Errorf("library opened %d times, registry counted %d", fake.opens(), ctx.Registry().Loads())
	}
}

func TestLoadThroughSymlink(t *testing.T) {
	ctx, fake := newTestContext(t, Options{})
	dir := t.TempDir()
	path := writeLibrary(t, ctx.Platform(), dir, "testlib")
	link := filepath.Join(t.TempDir(), "link-"+filepath.Base(path))
	if err := os.Symlink(path, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	a, err := ctx.Load(path)
	if err != nil {
		t.Fatalf("Error loading: %v", err)
	}
	b, err := ctx.Load(link)
	if err != nil {
		t.Fatalf("Error loading through link: %v", err)
	}
	if a != b || fake.opens() != 1 {
		t.Fatalf("symlink produced a second load (opens=%d)", fake.opens())
	}
}

func TestLoadDuplicateHandle(t *testing.T) {
	ctx, fake := newTestContext(t, Options{})
	dir := t.TempDir()
	path := writeLibrary(t, ctx.Platform(), dir, "testlib")
	hard := filepath.Join(t.TempDir(), filepath.Base(path))
	if err := os.Link(path, hard); err != nil {
		t.Skipf("hard links unavailable: %v", err)
	}
	a, err := ctx.Load(path)
	if err != nil {
		t.Fatalf("Error loading: %v", err)
	}
	b, err := ctx.Load(hard)
	if err != nil {
		t.Fatalf("Error loading hard link: %v", err)
	}
	if a != b {
		t.Fatal("one OS image produced two libraries")
	}
	if a.Refs() != 2 || fake.live() != 1 {
		t.Errorf("refs=%d live=%d", a.Refs(), fake.live())
	}
	if ctx.Registry().Unloads() != 1 {
		t.Errorf("duplicate handle not closed: unloads=%d", ctx.Registry().Unloads())
	}
}

func TestUnloadRefCounting(t *testing.T) {
	ctx, fake := newTestContext(t, Options{})
	dir := t.TempDir()
	writeLibrary(t, ctx.Platform(), dir, "testlib")
	ctx.AddSearchPath("testlib", dir)
	fake.syms["testlib_version"] = 0x4242

	a := ctx.MustLoad("testlib")
	b := ctx.MustLoad("testlib")
	if err := ctx.Unload(a); err != nil {
		t.Fatalf("Error unloading: %v", err)
	}
	if !b.Loaded() || fake.closed() != 0 {
		t.Fatal("library unloaded while still referenced")
	}
	if _, err := b.Symbol("testlib_version"); err != nil {
		t.Fatalf("Error resolving symbol: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Error closing: %v", err)
	}
	if b.Loaded() || fake.closed() != 1 {
		t.Fatalf("library still loaded after last release (closes=%d)", fake.closed())
	}
	if err := ctx.Unload(b); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("extra release err = %v, want ErrStaleHandle", err)
	}
	if _, err := b.Symbol("testlib_version"); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("symbol on unloaded library err = %v, want ErrStaleHandle", err)
	}
	if len(ctx.Libraries()) != 0 {
		t.Errorf("registry not empty: %+v", ctx.Libraries())
	}

	c := ctx.MustLoad("testlib")
	if c == b || fake.opens() != 2 {
		t.Fatalf("reload reused the stale library (opens=%d)", fake.opens())
	}
}

func TestLoadFallsBackToSystemName(t *testing.T) {
	ctx, fake := newTestContext(t, Options{})
	ctx.AddSearchPath("", t.TempDir())
	names := ctx.Platform().FileNames("ghostlib")
	fake.known[names[len(names)-1]] = true

	lib, err := ctx.Load("ghostlib")
	if err != nil {
		t.Fatalf("Error loading: %v", err)
	}
	if lib.Path() != "" || lib.Identity().Key() == "" {
		t.Errorf("identity = %+v", lib.Identity())
	}
	again, err := ctx.Load(names[len(names)-1])
	if err != nil {
		t.Fatalf("Error loading by file name: %v", err)
	}
	if again != lib {
		t.Error("bare file name produced a second library")
	}
}

func TestLoadError(t *testing.T) {
	ctx, fake := newTestContext(t, Options{})
	dir := t.TempDir()
	ctx.AddSearchPath("", dir)

	_, err := ctx.Load("nosuchlib")
	if !errors.Is(err, ErrLoad) {
		t.Fatalf("err = %v, want ErrLoad", err)
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("err is %T", err)
	}
	if len(e.Attempts) < 2 {
		t.Fatalf("attempts = %+v", e.Attempts)
	}
	if e.Attempts[0].Candidate.Source != SourceGlobal {
		t.Errorf("first attempt = %+v", e.Attempts[0])
	}
	if last := e.Attempts[len(e.Attempts)-1]; last.Candidate.Source != SourceDefault {
		t.Errorf("last attempt = %+v", last)
	}
	if got := AttemptErrors(err); len(got) != len(e.Attempts) {
		t.Errorf("AttemptErrors() returned %d errors for %d attempts", len(got), len(e.Attempts))
	}
	if fake.opens() != 0 {
		t.Errorf("missing files reached the OS loader %d times", fake.opens())
	}
}

func TestLoadSkipsUnloadableCandidate(t *testing.T) {
	ctx, fake := newTestContext(t, Options{})
	bad, good := t.TempDir(), t.TempDir()
	badPath := writeLibrary(t, ctx.Platform(), bad, "testlib")
	goodPath := writeLibrary(t, ctx.Platform(), good, "testlib")
	ctx.AddSearchPath("testlib", good)
	ctx.AddSearchPath("testlib", bad)
	fake.failing[badPath] = errors.New("wrong ELF class")

	lib, err := ctx.Load("testlib")
	if err != nil {
		t.Fatalf("Error loading: %v", err)
	}
	want, _ := filepath.EvalSymlinks(goodPath)
	if lib.Path() != want {
		t.Fatalf("loaded %s, want %s", lib.Path(), want)
	}
}

func TestLoadBundled(t *testing.T) {
	p := Describe()
	locator := "native/" + p.ResourceTag() + "/" + p.FileNames("bundled")[0]
	bundle := fstest.MapFS{locator: {Data: []byte("\x7fbundled library")}}
	ctx, fake := newTestContext(t, Options{Resources: bundle})

	const n = 8
	libs := make([]*Library, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			libs[i], errs[i] = ctx.Load("bundled")
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Error loading in goroutine %d: %v", i, errs[i])
		}
		if libs[i] != libs[0] {
			t.Fatal("concurrent loads produced distinct libraries")
		}
	}
	if got := ctx.Extractor().Extractions(); got != 1 {
		t.Errorf("extracted %d times, want 1", got)
	}
	if fake.opens() != 1 || libs[0].Refs() != n {
		t.Errorf("opens=%d refs=%d", fake.opens(), libs[0].Refs())
	}
	if filepath.Dir(libs[0].Path()) != mustEval(t, ctx.Extractor().Dir()) {
		t.Errorf("bundled library loaded from %s", libs[0].Path())
	}

	abs, err := ctx.Load("/" + locator)
	if err != nil {
		t.Fatalf("Error loading by absolute resource path: %v", err)
	}
	if abs != libs[0] {
		t.Error("absolute resource path produced a second library")
	}

	path := libs[0].Path()
	if err := ctx.Close(); err != nil {
		t.Fatalf("Error closing context: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("extracted file survived Close")
	}
}

func TestLoadBundledExtractionFailure(t *testing.T) {
	p := Describe()
	locator := "native/" + p.ResourceTag() + "/" + p.FileNames("bundled")[0]
	bundle := shortFS{fstest.MapFS{locator: {Data: []byte("\x7fbundled")}}}
	ctx, fake := newTestContext(t, Options{Resources: bundle})
	fake.known[p.FileNames("bundled")[0]] = true

	if _, err := ctx.Load("bundled"); !errors.Is(err, ErrExtraction) {
		t.Fatalf("err = %v, want ErrExtraction", err)
	}
	if fake.opens() != 0 {
		t.Error("loading continued after a failed extraction")
	}
}

func TestLoadUnicodeName(t *testing.T) {
	ctx, _ := newTestContext(t, Options{})
	dir := filepath.Join(t.TempDir(), "ünïcødé")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("Error creating directory: %v", err)
	}
	writeLibrary(t, ctx.Platform(), dir, "tëst-ünï")
	ctx.AddSearchPath("tëst-ünï", dir)
	if _, err := ctx.Load("tëst-ünï"); err != nil {
		t.Fatalf("Error loading unicode name: %v", err)
	}
}

func TestLoadSearchRoot(t *testing.T) {
	root := t.TempDir()
	ctx, _ := newTestContext(t, Options{Config: Config{SearchRoot: root}})
	path := writeLibrary(t, ctx.Platform(), root, "rooted")
	lib, err := ctx.Load("rooted")
	if err != nil {
		t.Fatalf("Error loading from search root: %v", err)
	}
	if lib.Path() != mustEval(t, path) {
		t.Errorf("Path() = %s", lib.Path())
	}
}

func TestLoadSelf(t *testing.T) {
	ctx, fake := newTestContext(t, Options{})
	fake.syms["malloc"] = 0x5000
	self, err := ctx.Load(SelfName)
	if err != nil {
		t.Fatalf("Error loading self: %v", err)
	}
	if !self.Identity().IsSelf() {
		t.Fatalf("identity = %v", self.Identity())
	}
	if addr, err := self.Symbol("malloc"); err != nil || addr != 0x5000 {
		t.Fatalf("Symbol(malloc) = %#x, %v", addr, err)
	}
	if err := self.Close(); err != nil {
		t.Fatalf("Error releasing self: %v", err)
	}
	if !self.Loaded() || fake.closed() != 0 {
		t.Fatal("process image was unloaded")
	}
}

func TestLoadDependents(t *testing.T) {
	if Describe().IsWindowsLike() {
		t.Skip("dependent preloading is left to LoadLibraryEx on windows")
	}
	for _, enabled := range []bool{true, false} {
		name := "dependents enabled"
		if !enabled {
			name = "dependents disabled"
		}
		t.Run(name, func(t *testing.T) {
			on := enabled
			ctx, fake := newTestContext(t, Options{Config: Config{EmulateDependentSearch: &on}})
			p := ctx.Platform()
			dir := t.TempDir()
			primary := writeLibrary(t, p, dir, "primary")
			dep := writeLibrary(t, p, dir, "helper")
			ctx.AddSearchPath("primary", dir)
			ctx.Registry().needed = func(path string) ([]string, error) {
				if filepath.Base(path) == filepath.Base(primary) {
					return []string{"@rpath/" + filepath.Base(dep), "libm.so.6"}, nil
				}
				return nil, nil
			}

			lib := ctx.MustLoad("primary")
			if !enabled {
				if fake.opens() != 1 {
					t.Fatalf("opens = %d, want only the primary", fake.opens())
				}
				return
			}
			if fake.opens() != 2 || filepath.Base(fake.opened[0]) != filepath.Base(dep) {
				t.Fatalf("open order = %v, want the dependent first", fake.opened)
			}
			infos := ctx.Libraries()
			if len(infos) != 2 {
				t.Fatalf("libraries = %+v", infos)
			}
			if err := lib.Close(); err != nil {
				t.Fatalf("Error closing: %v", err)
			}
			if fake.live() != 0 {
				t.Errorf("%d images still mapped after release", fake.live())
			}
		})
	}
}

func TestReleaseForeignLibrary(t *testing.T) {
	a, _ := newTestContext(t, Options{})
	b, _ := newTestContext(t, Options{})
	dir := t.TempDir()
	writeLibrary(t, a.Platform(), dir, "testlib")
	a.AddSearchPath("testlib", dir)
	lib := a.MustLoad("testlib")
	if err := b.Unload(lib); err == nil {
		t.Fatal("released a library through another context")
	}
	if !lib.Loaded() {
		t.Fatal("foreign release unloaded the library")
	}
}

func mustEval(t *testing.T, path string) string {
	t.Helper()
	p, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatalf("Error resolving %s: %v", path, err)
	}
	return p
}
