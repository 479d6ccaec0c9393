package dynlib

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/ebitengine/purego"
)

// BindFuncs fills the func fields of the struct pointed to by dst with
// native entry points. Fields are selected by a `native:"symbol"` tag; the
// ",optional" suffix allows the symbol to be missing, in which case calling
// the field panics with an ErrUnboundMethod error. Either every required
// field binds or dst is left untouched.
//
//	var libc struct {
//		Strlen func(string) uintptr `native:"strlen"`
//	}
//	err := lib.BindFuncs(&libc)
//
// The field's Go signature is passed to purego as is. Calls through a field
// after the library was unloaded panic with an ErrStaleHandle error.
func (l *Library) BindFuncs(dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("dynlib: BindFuncs needs a pointer to a struct, got %T", dst)
	}
	if !l.Loaded() {
		return staleHandleError(l)
	}
	st := rv.Elem()
	bound := make(map[int]reflect.Value)
	for i := 0; i < st.NumField(); i++ {
		field := st.Type().Field(i)
		tag, ok := field.Tag.Lookup("native")
		if !ok {
			continue
		}
		if field.Type.Kind() != reflect.Func {
			return fmt.Errorf("dynlib: field %s is tagged native but is %s", field.Name, field.Type)
		}
		if !field.IsExported() {
			return fmt.Errorf("dynlib: field %s is tagged native but unexported", field.Name)
		}
		symbol, optional := parseNativeTag(tag, field.Name)
		addr, err := l.Symbol(symbol)
		if err != nil {
			if optional && !isStale(err) {
				bound[i] = unboundFunc(field.Type, field.Name, symbol)
				continue
			}
			return err
		}
		fn, err := registerTyped(field.Type, field.Name, addr)
		if err != nil {
			return err
		}
		bound[i] = l.guard(fn)
	}
	for i, fn := range bound {
		st.Field(i).Set(fn)
	}
	return nil
}

func parseNativeTag(tag, fieldName string) (symbol string, optional bool) {
	symbol, opts, _ := strings.Cut(tag, ",")
	if symbol == "" {
		symbol = fieldName
	}
	for _, o := range strings.Split(opts, ",") {
		if strings.TrimSpace(o) == "optional" {
			optional = true
		}
	}
	return strings.TrimSpace(symbol), optional
}

func registerTyped(ft reflect.Type, name string, addr uintptr) (fn reflect.Value, err error) {
	ptr := reflect.New(ft)
	defer func() {
		if r := recover(); r != nil {
			fn, err = reflect.Value{}, nativeCallError(name, "cannot bind "+ft.String(), panicError(r))
		}
	}()
	purego.RegisterFunc(ptr.Interface(), addr)
	return ptr.Elem(), nil
}

// guard wraps fn so that calls fail once l has been unloaded.
func (l *Library) guard(fn reflect.Value) reflect.Value {
	return reflect.MakeFunc(fn.Type(), func(args []reflect.Value) []reflect.Value {
		if !l.Loaded() {
			panic(staleHandleError(l))
		}
		if fn.Type().IsVariadic() {
			return fn.CallSlice(args)
		}
		return fn.Call(args)
	})
}

func unboundFunc(ft reflect.Type, name, symbol string) reflect.Value {
	return reflect.MakeFunc(ft, func([]reflect.Value) []reflect.Value {
		panic(unboundMethodError(name, symbol))
	})
}
