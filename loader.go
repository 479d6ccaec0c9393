package dynlib

// osLoader is the platform dynamic loader. Handles are opaque and only
// meaningful to the loader that issued them.
type osLoader interface {
	Open(path string) (uintptr, error)
	Sym(handle uintptr, name string) (uintptr, error)
	Close(handle uintptr) error
	// Self returns the handle resolving symbols already resident in the
	// process image.
	Self() uintptr
	// Path reports the file a handle was loaded from, or "" when the
	// platform cannot tell.
	Path(handle uintptr) string
}
