package dynlib

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ZenLiuCN/fn"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// staleMarker is appended to extracted files that could not be removed at
// Close, so a later Extractor can delete them.
const staleMarker = ".x"

// tempPrefix is prepended to every extracted file name.
const tempPrefix = "dynlib-"

type extracted struct {
	path string
	size int64
}

// Extractor copies libraries out of a resource bundle into temporary files
// the OS loader can open.
type Extractor struct {
	fsys     fs.FS
	dir      string
	platform Platform
	log      *zap.Logger

	mu    sync.Mutex
	files map[string]extracted
	group singleflight.Group
	count atomic.Int64
}

// NewExtractor creates an extractor writing into dir, or os.TempDir when
// dir is empty.
func NewExtractor(fsys fs.FS, dir string, p Platform, log *zap.Logger) *Extractor {
	if dir == "" {
		dir = os.TempDir()
	}
	if log == nil {
		log = Logger()
	}
	return &Extractor{fsys: fsys, dir: dir, platform: p, log: log, files: make(map[string]extracted)}
}

// Dir returns the directory extracted files are written to.
func (e *Extractor) Dir() string { return e.dir }

// Extractions returns the number of copies performed so far.
func (e *Extractor) Extractions() int64 { return e.count.Load() }

// Materialize returns a path on disk holding the bytes of the resource at
// locator. A copy made earlier by this extractor is reused when it is still
// intact.
func (e *Extractor) Materialize(locator string) (string, error) {
	if p, ok := e.cached(locator); ok {
		return p, nil
	}
	v, err, _ := e.group.Do(locator, func() (any, error) {
		if p, ok := e.cached(locator); ok {
			return p, nil
		}
		x, err := e.extract(locator)
		if err != nil {
			return "", err
		}
		e.mu.Lock()
		e.files[locator] = x
		e.mu.Unlock()
		return x.path, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (e *Extractor) cached(locator string) (string, bool) {
	e.mu.Lock()
	x, ok := e.files[locator]
	e.mu.Unlock()
	if !ok {
		return "", false
	}
	fi, err := os.Stat(x.path)
	if err != nil || fi.Size() != x.size {
		// Leave the old file alone; a fresh copy gets a new name.
		e.log.Warn("extracted library no longer valid", zap.String("locator", locator), zap.String("path", x.path))
		return "", false
	}
	return x.path, true
}

func (e *Extractor) extract(locator string) (extracted, error) {
	if e.fsys == nil {
		return extracted{}, extractionError(locator, "", "no resource bundle configured", fs.ErrNotExist)
	}
	src, err := e.fsys.Open(locator)
	if err != nil {
		return extracted{}, extractionError(locator, "", "resource not found", err)
	}
	defer fn.IgnoreClose(src)
	fi, err := src.Stat()
	if err != nil {
		return extracted{}, extractionError(locator, "", "cannot stat resource", err)
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return extracted{}, extractionError(locator, e.dir, "cannot create temporary directory", err)
	}
	if err := checkWritable(e.dir); err != nil {
		return extracted{}, extractionError(locator, e.dir, "temporary directory is not writable", err)
	}
	stem, ext := e.splitName(path.Base(locator))
	dst, err := os.CreateTemp(e.dir, tempPrefix+stem+"*"+ext)
	if err != nil {
		return extracted{}, extractionError(locator, e.dir, "cannot create temporary file", err)
	}
	n, err := io.Copy(dst, src)
	if err == nil {
		err = dst.Sync()
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err == nil && n != fi.Size() {
		err = fmt.Errorf("copied %d of %d bytes", n, fi.Size())
	}
	if err != nil {
		_ = os.Remove(dst.Name())
		return extracted{}, extractionError(locator, dst.Name(), "truncated copy", err)
	}
	if err := os.Chmod(dst.Name(), 0o755); err != nil {
		_ = os.Remove(dst.Name())
		return extracted{}, extractionError(locator, dst.Name(), "cannot mark executable", err)
	}
	e.count.Add(1)
	e.log.Debug("extracted bundled library",
		zap.String("locator", locator),
		zap.String("path", dst.Name()),
		zap.Int64("bytes", n))
	return extracted{path: dst.Name(), size: n}, nil
}

// splitName splits a library file name into stem and extension, keeping
// version suffixes (libfoo.so.1) in the extension and translating bundle
// extensions the loader would not recognize.
func (e *Extractor) splitName(base string) (stem, ext string) {
	stem, ext = base, ""
	if i := strings.Index(base, "."); i > 0 {
		stem, ext = base[:i], base[i:]
	}
	if e.platform.OS == OSDarwin && ext == ".jnilib" {
		ext = ".dylib"
	}
	if e.platform.IsWindowsLike() && ext == "" {
		ext = e.platform.Suffix
	}
	return stem, ext
}

// Close removes every file this extractor produced. Files that cannot be
// removed, typically because they are still mapped, are marked for removal
// by a later RemoveStale.
func (e *Extractor) Close() error {
	e.mu.Lock()
	files := make([]extracted, 0, len(e.files))
	for _, locator := range fn.MapKeys(e.files) {
		files = append(files, e.files[locator])
	}
	e.files = make(map[string]extracted)
	e.mu.Unlock()
	for _, x := range files {
		if err := os.Remove(x.path); err != nil && !os.IsNotExist(err) {
			e.log.Warn("cannot remove extracted library", zap.String("path", x.path), zap.Error(err))
			if f, err := os.Create(x.path + staleMarker); err == nil {
				_ = f.Close()
			}
		}
	}
	return nil
}

// RemoveStale deletes extracted files left behind by earlier processes.
func (e *Extractor) RemoveStale() {
	markers, err := filepath.Glob(filepath.Join(e.dir, tempPrefix+"*"+staleMarker))
	if err != nil {
		return
	}
	for _, m := range markers {
		target := strings.TrimSuffix(m, staleMarker)
		if err := os.Remove(target); err == nil || os.IsNotExist(err) {
			_ = os.Remove(m)
			e.log.Debug("removed stale extracted library", zap.String("path", target))
		}
	}
}
