package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/tursodatabase/dynlib"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// exitLoadFailure is returned when a library could not be loaded.
const exitLoadFailure = 2

func main() {
	if err := newApp().Run(os.Args); err != nil {
		var e *dynlib.Error
		if errors.As(err, &e) && e.Kind == dynlib.KindLoad {
			os.Exit(exitLoadFailure)
		}
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "dynlib"
	app.Usage = "resolve, load and call native shared libraries"
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "configuration file", EnvVars: []string{dynlib.EnvConfig}},
		&cli.StringFlag{Name: "search-root", Usage: "directory searched after registered search paths"},
		&cli.StringSliceFlag{Name: "library-path", Aliases: []string{"L"}, Usage: "global search path, may be repeated"},
		&cli.IntFlag{Name: "width", Usage: "pointer width of the library variant to select (32 or 64)"},
		&cli.BoolFlag{Name: "no-dependent-search", Usage: "do not preload dependencies from the library's directory"},
		&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log loader activity"},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "platform",
			Usage:  "describe the host platform",
			Action: platform,
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "dump", Usage: "dump the full platform description"},
			},
		},
		{
			Name:      "resolve",
			Usage:     "list the locations tried for a library",
			ArgsUsage: "NAME",
			Action:    resolve,
		},
		{
			Name:      "load",
			Usage:     "load a library and report where it came from",
			ArgsUsage: "NAME...",
			Action:    load,
		},
		{
			Name:      "call",
			Usage:     "call a function in a library",
			ArgsUsage: "LIBRARY SYMBOL [ARGS...]",
			Action:    call,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "sig", Aliases: []string{"s"}, Usage: `declaration such as "int32(string)"`, Required: true},
			},
		},
		{
			Name:      "extract",
			Usage:     "copy a bundled library to a temporary file",
			ArgsUsage: "LOCATOR",
			Action:    extract,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "bundle", Aliases: []string{"b"}, Usage: "bundle directory"},
				&cli.StringFlag{Name: "archive", Aliases: []string{"a"}, Usage: "bundle zip archive"},
				&cli.BoolFlag{Name: "keep", Usage: "keep the extracted file"},
			},
		},
	}
	return app
}

// config builds the configuration from the file and the global flags.
func config(c *cli.Context) (dynlib.Config, error) {
	var cfg dynlib.Config
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = dynlib.LoadConfig(path); err != nil {
			return cfg, err
		}
	}
	cfg = dynlib.ConfigFromEnv(cfg)
	if v := c.String("search-root"); v != "" {
		cfg.SearchRoot = v
	}
	cfg.LibraryPath = append(cfg.LibraryPath, c.StringSlice("library-path")...)
	if v := c.Int("width"); v != 0 {
		cfg.PointerWidth = v
	}
	if c.Bool("no-dependent-search") {
		off := false
		cfg.EmulateDependentSearch = &off
	}
	return cfg, nil
}

func newContext(c *cli.Context, opts dynlib.Options) (*dynlib.Context, error) {
	cfg, err := config(c)
	if err != nil {
		return nil, err
	}
	opts.Config = cfg
	if c.Bool("verbose") {
		log, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		dynlib.SetLogger(log)
		opts.Logger = log
	}
	return dynlib.New(opts)
}
