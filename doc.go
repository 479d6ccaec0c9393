// Package dynlib locates, loads and calls into native shared libraries
// without cgo.
//
// A logical name such as "sqlite3" is resolved against registered search
// paths, a search root, a bundle of per-platform libraries (usually an
// embed.FS laid out as native/<os>-<arch>/<file>) and finally the operating
// system's own search. Bundled libraries are copied to a temporary file
// before loading. Loaded libraries are cached by canonical path and
// reference counted:
//
//	ctx, err := dynlib.New(dynlib.Options{Resources: bundle})
//	if err != nil {
//		return err
//	}
//	defer ctx.Close()
//
//	set := dynlib.MustSignatureSet("sqlite3",
//		dynlib.Func("Version", dynlib.String).As("sqlite3_libversion"),
//	)
//	proxy, err := ctx.LoadInterface("sqlite3", set)
//	if err != nil {
//		return err
//	}
//	defer proxy.Close()
//	v, err := proxy.Call("Version")
//
// Native code runs in the calling goroutine. A fault inside native code
// terminates the process; only argument mismatches and marshalling failures
// surface as ErrNativeCall errors.
package dynlib
