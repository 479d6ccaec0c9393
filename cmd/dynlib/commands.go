package main

import (
	"archive/zip"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
	"github.com/tursodatabase/dynlib"
	"github.com/urfave/cli/v2"
)

func platform(c *cli.Context) error {
	cfg, err := config(c)
	if err != nil {
		return err
	}
	p := dynlib.Describe()
	if cfg.PointerWidth != 0 {
		p = p.WithPointerWidth(cfg.PointerWidth)
	}
	if c.Bool("dump") {
		spew.Fdump(c.App.Writer, p)
		return nil
	}
	w := c.App.Writer
	row(w, "os", p.OS.String())
	row(w, "arch", p.Arch)
	row(w, "pointer width", strconv.Itoa(p.PointerWidth))
	row(w, "resource tag", p.ResourceTag())
	row(w, "c runtime", p.CRuntime)
	row(w, "calling convention", p.Convention.String())
	row(w, "windowing", strconv.FormatBool(p.HasWindowing))
	return nil
}

func resolve(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("resolve needs exactly one library name", 1)
	}
	ctx, err := newContext(c, dynlib.Options{})
	if err != nil {
		return err
	}
	defer ctx.Close()
	w := c.App.Writer
	i := 0
	for cand := range ctx.Resolve(c.Args().First()) {
		i++
		fmt.Fprintf(w, "%3d  %s  %s\n", i, labelStyle.Render(fmt.Sprintf("%-8s", cand.Source)), cand.Path)
	}
	return nil
}

func load(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("load needs at least one library name", 1)
	}
	ctx, err := newContext(c, dynlib.Options{})
	if err != nil {
		return err
	}
	defer ctx.Close()
	w := c.App.Writer
	var failed error
	for _, name := range c.Args().Slice() {
		lib, err := ctx.Load(name)
		if err != nil {
			reportLoadError(c, err)
			if failed == nil {
				failed = err
			}
			continue
		}
		row(w, name, lib.Identity().String())
	}
	for _, info := range ctx.Libraries() {
		if len(info.Dependents) > 0 {
			row(w, "  dependents of "+info.Name, strings.Join(info.Dependents, ", "))
		}
	}
	return failed
}

func reportLoadError(c *cli.Context, err error) {
	w := c.App.ErrWriter
	var e *dynlib.Error
	if !errors.As(err, &e) {
		fmt.Fprintln(w, errorStyle.Render(err.Error()))
		return
	}
	fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("cannot load %q", e.Name)))
	for _, a := range e.Attempts {
		fmt.Fprintf(w, "  %s %s: %v\n", labelStyle.Render(fmt.Sprintf("%-8s", a.Candidate.Source)), a.Candidate.Path, a.Err)
	}
}

func call(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.Exit("call needs a library and a symbol", 1)
	}
	args := c.Args().Slice()
	name, symbol := args[0], args[1]
	sig, err := dynlib.ParseSignature(symbol, c.String("sig"))
	if err != nil {
		return err
	}
	if len(args)-2 != len(sig.Params) {
		return fmt.Errorf("%s takes %d arguments, got %d", sig, len(sig.Params), len(args)-2)
	}
	values := make([]any, len(sig.Params))
	for i, t := range sig.Params {
		if values[i], err = parseValue(t, args[i+2]); err != nil {
			return fmt.Errorf("argument %d: %w", i+1, err)
		}
	}
	set, err := dynlib.NewSignatureSet(name, sig)
	if err != nil {
		return err
	}
	ctx, err := newContext(c, dynlib.Options{})
	if err != nil {
		return err
	}
	defer ctx.Close()
	proxy, err := ctx.LoadInterface(name, set)
	if err != nil {
		if errors.Is(err, dynlib.ErrLoad) {
			reportLoadError(c, err)
		}
		return err
	}
	defer fn.IgnoreClose(proxy)
	out, err := proxy.Call(sig.Name, values...)
	if err != nil {
		return err
	}
	if sig.Return != dynlib.Void {
		fmt.Fprintln(c.App.Writer, resultStyle.Render(formatValue(out)))
	}
	return nil
}

// parseValue converts a command line argument to the Go value expected for t.
func parseValue(t dynlib.Type, s string) (any, error) {
	switch t {
	case dynlib.Bool:
		return strconv.ParseBool(s)
	case dynlib.Int8, dynlib.Int16, dynlib.Int32, dynlib.Int64, dynlib.Long:
		return strconv.ParseInt(s, 0, 64)
	case dynlib.Uint8, dynlib.Uint16, dynlib.Uint32, dynlib.Uint64, dynlib.ULong, dynlib.Size:
		return strconv.ParseUint(s, 0, 64)
	case dynlib.Float32, dynlib.Float64:
		return strconv.ParseFloat(s, 64)
	case dynlib.Pointer:
		if s == "nil" || s == "null" {
			return nil, nil
		}
		v, err := strconv.ParseUint(s, 0, 64)
		return uintptr(v), err
	case dynlib.String, dynlib.Chars, dynlib.WString, dynlib.WChars:
		return s, nil
	}
	return nil, fmt.Errorf("cannot pass %s from the command line", t)
}

func formatValue(v any) string {
	switch v := v.(type) {
	case uintptr:
		return fmt.Sprintf("%#x", v)
	case string:
		return strconv.Quote(v)
	}
	return fmt.Sprint(v)
}

func extract(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("extract needs exactly one resource locator", 1)
	}
	var bundle fs.FS
	switch {
	case c.String("bundle") != "":
		bundle = os.DirFS(c.String("bundle"))
	case c.String("archive") != "":
		zr, err := zip.OpenReader(c.String("archive"))
		if err != nil {
			return err
		}
		defer fn.IgnoreClose(zr)
		bundle = zr
	default:
		return cli.Exit("extract needs --bundle or --archive", 1)
	}
	ctx, err := newContext(c, dynlib.Options{Resources: bundle})
	if err != nil {
		return err
	}
	x := ctx.Extractor()
	path, err := x.Materialize(strings.TrimLeft(c.Args().First(), "/"))
	if err != nil {
		_ = ctx.Close()
		return err
	}
	row(c.App.Writer, c.Args().First(), path)
	if c.Bool("keep") {
		return nil
	}
	return ctx.Close()
}
