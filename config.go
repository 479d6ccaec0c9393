package dynlib

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment variables recognized by ConfigFromEnv.
const (
	EnvConfig             = "DYNLIB_CONFIG"
	EnvLibraryPath        = "DYNLIB_LIBRARY_PATH"
	EnvSearchRoot         = "DYNLIB_SEARCH_ROOT"
	EnvTempDir            = "DYNLIB_TMPDIR"
	EnvNoDependentSearch  = "DYNLIB_NO_DEPENDENT_SEARCH"
	EnvPointerWidth       = "DYNLIB_POINTER_WIDTH"
	defaultResourcePrefix = "native"
	defaultConfigFileName = "dynlib.toml"
)

// Config is the file/environment configuration of a Context.
type Config struct {
	// SearchRoot is searched after registered paths, for locally built or
	// staged binaries.
	SearchRoot string `toml:"search_root"`
	// LibraryPath entries are registered as global search paths.
	LibraryPath []string `toml:"library_path"`
	// Paths registers directories for individual logical names.
	Paths map[string][]string `toml:"paths"`
	// EmulateDependentSearch loads a library's dependencies from the
	// library's own directory first. Nil means the platform default.
	EmulateDependentSearch *bool `toml:"emulate_dependent_search"`
	// PointerWidth selects the 32 or 64-bit resource variant. Zero keeps
	// the process width.
	PointerWidth   int             `toml:"pointer_width"`
	TempDir        string          `toml:"temp_dir"`
	ResourcePrefix string          `toml:"resource_prefix"`
	Libraries      []LibraryConfig `toml:"library"`
	Log            LogConfig       `toml:"log"`
}

// LibraryConfig declares a signature set for a library.
type LibraryConfig struct {
	Name string `toml:"name"`
	// Interface names the signature set; defaults to Name.
	Interface string `toml:"interface"`
	// Functions maps method names to declarations such as
	// "int32(string, int32)" or "?void(pointer)".
	Functions map[string]string `toml:"functions"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.SearchRoot != "" && !filepath.IsAbs(cfg.SearchRoot) {
		cfg.SearchRoot = filepath.Join(filepath.Dir(path), cfg.SearchRoot)
	}
	return cfg, nil
}

// LoadConfigDefault reads the file named by DYNLIB_CONFIG, or dynlib.toml in
// the working directory when present, and applies environment overrides.
func LoadConfigDefault() (Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		if _, err := os.Stat(defaultConfigFileName); err == nil {
			path = defaultConfigFileName
		}
	}
	var cfg Config
	if path != "" {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return cfg, err
		}
	}
	return ConfigFromEnv(cfg), nil
}

// ConfigFromEnv returns base with environment overrides applied.
func ConfigFromEnv(base Config) Config {
	cfg := base
	if v := os.Getenv(EnvLibraryPath); v != "" {
		cfg.LibraryPath = append(cfg.LibraryPath, filepath.SplitList(v)...)
	}
	if v := os.Getenv(EnvSearchRoot); v != "" {
		cfg.SearchRoot = v
	}
	if v := os.Getenv(EnvTempDir); v != "" {
		cfg.TempDir = v
	}
	if v := os.Getenv(EnvNoDependentSearch); v != "" {
		if off, err := strconv.ParseBool(v); err == nil {
			on := !off
			cfg.EmulateDependentSearch = &on
		}
	}
	if v := os.Getenv(EnvPointerWidth); v != "" {
		if w, err := strconv.Atoi(v); err == nil {
			cfg.PointerWidth = w
		}
	}
	return cfg
}

func (c Config) dependentSearch(o OS) bool {
	if c.EmulateDependentSearch != nil {
		return *c.EmulateDependentSearch
	}
	return o != OSUnknown
}

func (c Config) resourcePrefix() string {
	if c.ResourcePrefix == "" {
		return defaultResourcePrefix
	}
	return c.ResourcePrefix
}

// Validate reports configuration values that cannot be honored.
func (c Config) Validate() error {
	if c.PointerWidth != 0 && c.PointerWidth != 32 && c.PointerWidth != 64 {
		return fmt.Errorf("pointer_width must be 32 or 64, got %d", c.PointerWidth)
	}
	if c.Log.Level != "" {
		if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
	}
	for i, l := range c.Libraries {
		if l.Name == "" {
			return fmt.Errorf("library[%d]: missing name", i)
		}
	}
	return nil
}

// NewLogger builds a production zap logger at the configured level, or
// returns the package logger when no level is set.
func (c Config) NewLogger() (*zap.Logger, error) {
	if c.Log.Level == "" {
		return Logger(), nil
	}
	lvl, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// SignatureSets builds the signature sets declared in the configuration,
// keyed by library name.
func (c Config) SignatureSets() (map[string]*SignatureSet, error) {
	sets := make(map[string]*SignatureSet, len(c.Libraries))
	for _, l := range c.Libraries {
		names := make([]string, 0, len(l.Functions))
		for name := range l.Functions {
			names = append(names, name)
		}
		sort.Strings(names)
		sigs := make([]Signature, 0, len(names))
		for _, name := range names {
			sig, err := ParseSignature(name, l.Functions[name])
			if err != nil {
				return nil, fmt.Errorf("library %s: %w", l.Name, err)
			}
			sigs = append(sigs, sig)
		}
		iface := l.Interface
		if iface == "" {
			iface = l.Name
		}
		set, err := NewSignatureSet(iface, sigs...)
		if err != nil {
			return nil, fmt.Errorf("library %s: %w", l.Name, err)
		}
		sets[strings.TrimSpace(l.Name)] = set
	}
	return sets, nil
}
