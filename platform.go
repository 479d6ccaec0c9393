package dynlib

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
	"unsafe"
)

// OS is the operating system family.
type OS int

const (
	OSUnknown OS = iota
	OSLinux
	OSAndroid
	OSDarwin
	OSFreeBSD
	OSNetBSD
	OSOpenBSD
	OSSolaris
	OSWindows
)

func (o OS) String() string {
	switch o {
	case OSLinux:
		return "linux"
	case OSAndroid:
		return "android"
	case OSDarwin:
		return "darwin"
	case OSFreeBSD:
		return "freebsd"
	case OSNetBSD:
		return "netbsd"
	case OSOpenBSD:
		return "openbsd"
	case OSSolaris:
		return "sunos"
	case OSWindows:
		return "win32"
	default:
		return "unknown"
	}
}

// Convention is the native calling convention used for bound calls.
type Convention int

const (
	ConventionSysV Convention = iota
	ConventionWin64
	ConventionCdecl
	ConventionAAPCS
	ConventionAAPCS64
	ConventionOther
)

func (c Convention) String() string {
	switch c {
	case ConventionSysV:
		return "sysv"
	case ConventionWin64:
		return "win64"
	case ConventionCdecl:
		return "cdecl"
	case ConventionAAPCS:
		return "aapcs"
	case ConventionAAPCS64:
		return "aapcs64"
	default:
		return "other"
	}
}

// Platform describes the host's native library conventions. Values are
// immutable; use Describe for the running process.
type Platform struct {
	OS           OS
	Arch         string
	PointerWidth int
	Prefix       string
	Suffix       string
	// CRuntime is the file name of the platform C runtime library.
	CRuntime     string
	HasWindowing bool
	Convention   Convention
}

var describeOnce = sync.OnceValue(func() Platform {
	p, err := describe(runtime.GOOS, runtime.GOARCH, int(unsafe.Sizeof(uintptr(0)))*8)
	if err != nil {
		panic(err)
	}
	p.HasWindowing = hasWindowing(p.OS)
	return p
})

// Describe returns the descriptor of the running platform. It panics when
// the operating system is not supported.
func Describe() Platform {
	return describeOnce()
}

func describe(goos, goarch string, width int) (Platform, error) {
	p := Platform{PointerWidth: width, Prefix: "lib", Suffix: ".so"}
	switch goos {
	case "linux":
		p.OS, p.CRuntime = OSLinux, "libc.so.6"
	case "android":
		p.OS, p.CRuntime = OSAndroid, "libc.so"
	case "darwin", "ios":
		p.OS, p.Suffix, p.CRuntime = OSDarwin, ".dylib", "/usr/lib/libSystem.B.dylib"
	case "freebsd":
		p.OS, p.CRuntime = OSFreeBSD, "libc.so.7"
	case "netbsd":
		p.OS, p.CRuntime = OSNetBSD, "libc.so.12"
	case "openbsd":
		p.OS, p.CRuntime = OSOpenBSD, "libc.so"
	case "solaris", "illumos":
		p.OS, p.CRuntime = OSSolaris, "libc.so.1"
	case "windows":
		p.OS, p.Prefix, p.Suffix, p.CRuntime = OSWindows, "", ".dll", "msvcrt.dll"
	default:
		return Platform{}, fmt.Errorf("dynlib: unsupported operating system %q", goos)
	}
	switch goarch {
	case "amd64":
		p.Arch = "x86-64"
	case "386":
		p.Arch = "x86"
	case "arm64":
		p.Arch = "aarch64"
	case "arm":
		p.Arch = "arm"
	case "loong64":
		p.Arch = "loongarch64"
	default:
		p.Arch = goarch
	}
	p.Convention = convention(p.OS, p.Arch)
	return p, nil
}

func convention(o OS, arch string) Convention {
	switch arch {
	case "x86-64":
		if o == OSWindows {
			return ConventionWin64
		}
		return ConventionSysV
	case "x86":
		return ConventionCdecl
	case "aarch64":
		return ConventionAAPCS64
	case "arm":
		return ConventionAAPCS
	default:
		return ConventionOther
	}
}

func hasWindowing(o OS) bool {
	switch o {
	case OSWindows, OSDarwin:
		return true
	case OSAndroid:
		return false
	default:
		return os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != ""
	}
}

func (p Platform) IsWindowsLike() bool { return p.OS == OSWindows }
func (p Platform) IsPosixLike() bool   { return p.OS != OSWindows && p.OS != OSUnknown }

// CaseInsensitive reports whether library names compare case-insensitively.
func (p Platform) CaseInsensitive() bool { return p.IsWindowsLike() }

// WithPointerWidth selects the 32- or 64-bit variant of the platform, used
// when binaries for both widths are bundled side by side.
func (p Platform) WithPointerWidth(width int) Platform {
	if width != 32 && width != 64 || width == p.PointerWidth {
		return p
	}
	p.PointerWidth = width
	switch {
	case width == 32 && p.Arch == "x86-64":
		p.Arch = "x86"
	case width == 64 && p.Arch == "x86":
		p.Arch = "x86-64"
	case width == 32 && p.Arch == "aarch64":
		p.Arch = "arm"
	case width == 64 && p.Arch == "arm":
		p.Arch = "aarch64"
	}
	p.Convention = convention(p.OS, p.Arch)
	return p
}

// ResourceTag is the directory name used for this platform inside a
// resource bundle, e.g. "linux-x86-64" or "win32-x86".
func (p Platform) ResourceTag() string {
	return p.OS.String() + "-" + p.Arch
}

// FileNames maps a logical library name to the file names to try, most
// specific first. Names that already look like library files are kept.
func (p Platform) FileNames(name string) []string {
	if name == "c" && p.OS == OSLinux {
		return []string{p.CRuntime}
	}
	if p.isLibraryFile(name) {
		return []string{name}
	}
	switch p.OS {
	case OSWindows:
		return []string{name + p.Suffix}
	case OSDarwin:
		return []string{p.Prefix + name + ".dylib", p.Prefix + name + ".jnilib"}
	default:
		return []string{p.Prefix + name + p.Suffix}
	}
}

func (p Platform) isLibraryFile(name string) bool {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if p.IsWindowsLike() {
		return strings.HasSuffix(strings.ToLower(base), ".dll")
	}
	if p.OS == OSDarwin {
		for _, ext := range []string{".dylib", ".jnilib", ".bundle"} {
			if strings.HasSuffix(base, ext) {
				return true
			}
		}
		return false
	}
	return strings.HasSuffix(base, p.Suffix) || strings.Contains(base, p.Suffix+".")
}

// SymbolVariants returns the symbol names to try for sym, in order.
func (p Platform) SymbolVariants(sym string) []string {
	if p.OS == OSDarwin && len(sym) > 1 && sym[0] == '_' {
		return []string{sym, sym[1:]}
	}
	return []string{sym}
}

var multiarch = map[string]string{
	"x86-64":      "x86_64-linux-gnu",
	"x86":         "i386-linux-gnu",
	"aarch64":     "aarch64-linux-gnu",
	"arm":         "arm-linux-gnueabihf",
	"ppc64le":     "powerpc64le-linux-gnu",
	"s390x":       "s390x-linux-gnu",
	"riscv64":     "riscv64-linux-gnu",
	"loongarch64": "loongarch64-linux-gnu",
}

// SystemLibraryDirs lists directories the platform keeps shared libraries
// in that the dynamic linker may not search for every pointer width.
func (p Platform) SystemLibraryDirs() []string {
	if p.OS != OSLinux {
		return nil
	}
	var dirs []string
	if triplet, ok := multiarch[p.Arch]; ok {
		dirs = append(dirs, "/usr/lib/"+triplet, "/lib/"+triplet)
	}
	if p.PointerWidth == 64 {
		dirs = append(dirs, "/usr/lib64", "/lib64")
	} else {
		dirs = append(dirs, "/usr/lib32", "/lib32")
	}
	return append(dirs, "/usr/local/lib", "/usr/lib", "/lib")
}

// wcharSize is sizeof(wchar_t) in bytes.
func (p Platform) wcharSize() int {
	if p.IsWindowsLike() {
		return 2
	}
	return 4
}

// longBits is the width of the C long type.
func (p Platform) longBits() int {
	if p.IsWindowsLike() {
		return 32
	}
	return p.PointerWidth
}
