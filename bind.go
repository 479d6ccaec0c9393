package dynlib

import (
	"fmt"
	"hash/fnv"
	"reflect"
	"runtime"

	"github.com/ebitengine/purego"
)

// maxArgs is the most arguments the dispatcher can pass.
const maxArgs = 15

// Function is one bound native entry point.
type Function struct {
	sig  Signature
	lib  *Library
	addr uintptr
	fn   reflect.Value
}

func (f *Function) Signature() Signature { return f.sig }

// Bound reports whether the symbol was resolved. Only optional methods can
// be unbound.
func (f *Function) Bound() bool { return f.addr != 0 }

// Address returns the resolved entry address, or 0 when unbound.
func (f *Function) Address() uintptr { return f.addr }

// Call marshals args, invokes the entry point and converts the result.
func (f *Function) Call(args ...any) (result any, err error) {
	if f.addr == 0 {
		return nil, unboundMethodError(f.sig.Name, f.sig.symbol())
	}
	if !f.lib.Loaded() {
		return nil, staleHandleError(f.lib)
	}
	if len(args) != len(f.sig.Params) {
		return nil, nativeCallError(f.sig.Name, fmt.Sprintf("expected %d arguments, got %d", len(f.sig.Params), len(args)), nil)
	}
	p := f.lib.Platform()
	var frame callFrame
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		v, err := marshalArg(p, f.sig.Params[i], a, &frame)
		if err != nil {
			return nil, nativeCallError(f.sig.Name, fmt.Sprintf("argument %d", i), err)
		}
		in[i] = v
	}
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, nativeCallError(f.sig.Name, "native call failed", panicError(r))
		}
	}()
	out := f.fn.Call(in)
	if f.sig.Return != Void {
		result = unmarshalReturn(p, f.sig.Return, out[0])
	}
	runtime.KeepAlive(&frame)
	return result, nil
}

// dispatcher builds the Go function value purego calls addr through.
func dispatcher(p Platform, sig Signature, addr uintptr) (fn reflect.Value, err error) {
	if len(sig.Params) > maxArgs {
		return reflect.Value{}, nativeCallError(sig.Name, fmt.Sprintf("%d parameters exceed the limit of %d", len(sig.Params), maxArgs), nil)
	}
	in := make([]reflect.Type, len(sig.Params))
	for i, t := range sig.Params {
		in[i] = t.goType(p)
	}
	var out []reflect.Type
	if sig.Return != Void {
		out = []reflect.Type{sig.Return.returnType(p)}
	}
	ptr := reflect.New(reflect.FuncOf(in, out, false))
	defer func() {
		if r := recover(); r != nil {
			fn, err = reflect.Value{}, nativeCallError(sig.Name, "unsupported calling convention for signature "+sig.String(), panicError(r))
		}
	}()
	purego.RegisterFunc(ptr.Interface(), addr)
	return ptr.Elem(), nil
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

// Proxy is a library bound against a SignatureSet. Methods are invoked by
// name through one generic dispatcher.
type Proxy struct {
	lib   *Library
	set   *SignatureSet
	funcs map[string]*Function
	owned bool
}

// Bind resolves every method of set in l. Binding is all-or-nothing: a
// missing required symbol fails with ErrUnresolvedSymbol and no proxy is
// returned. Missing optional symbols are bound as absent.
func (l *Library) Bind(set *SignatureSet) (*Proxy, error) {
	if !l.Loaded() {
		return nil, staleHandleError(l)
	}
	p := l.Platform()
	funcs := make(map[string]*Function, set.Len())
	for _, sig := range set.sigs {
		addr, err := l.Symbol(sig.symbol())
		if err != nil {
			if sig.Optional && !isStale(err) {
				funcs[sig.Name] = &Function{sig: sig, lib: l}
				continue
			}
			return nil, err
		}
		fn, err := dispatcher(p, sig, addr)
		if err != nil {
			return nil, err
		}
		funcs[sig.Name] = &Function{sig: sig, lib: l, addr: addr, fn: fn}
	}
	return &Proxy{lib: l, set: set, funcs: funcs}, nil
}

func isStale(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == KindStaleHandle
}

func (p *Proxy) Library() *Library        { return p.lib }
func (p *Proxy) Interface() *SignatureSet { return p.set }

// Implements reports whether p was bound against set.
func (p *Proxy) Implements(set *SignatureSet) bool { return p.set == set }

// Function returns the bound function for a declared method.
func (p *Proxy) Function(method string) (*Function, error) {
	f, ok := p.funcs[method]
	if !ok {
		return nil, &Error{Kind: KindUnboundMethod, Name: method, Detail: fmt.Sprintf("method not declared by %s", p.set.name)}
	}
	return f, nil
}

// Call invokes a declared method. Identity operations (String, Equal, Hash
// and their toString/equals/hashCode spellings) that the interface does not
// declare are answered locally and never reach native code.
func (p *Proxy) Call(method string, args ...any) (any, error) {
	f, ok := p.funcs[method]
	if !ok {
		if v, handled := p.identityOp(method, args); handled {
			return v, nil
		}
		return nil, &Error{Kind: KindUnboundMethod, Name: method, Detail: fmt.Sprintf("method not declared by %s", p.set.name)}
	}
	return f.Call(args...)
}

func (p *Proxy) identityOp(method string, args []any) (any, bool) {
	switch method {
	case "String", "toString":
		if len(args) == 0 {
			return p.String(), true
		}
	case "Hash", "hashCode":
		if len(args) == 0 {
			return p.Hash(), true
		}
	case "Equal", "equals":
		if len(args) == 1 {
			other, _ := args[0].(*Proxy)
			return p.Equal(other), true
		}
	}
	return nil, false
}

func (p *Proxy) String() string {
	return fmt.Sprintf("Proxy(%s@%s)", p.set.name, p.lib.id)
}

// Equal reports whether o is bound to the same library and interface.
func (p *Proxy) Equal(o *Proxy) bool {
	return o != nil && p.lib == o.lib && p.set == o.set
}

// Hash is consistent with Equal.
func (p *Proxy) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(p.lib.id.key))
	h.Write([]byte{0})
	h.Write([]byte(p.set.name))
	return h.Sum64()
}

// Close releases the library reference taken by Context.LoadInterface.
// Proxies returned by Library.Bind do not own a reference and Close is a
// no-op for them.
func (p *Proxy) Close() error {
	if !p.owned {
		return nil
	}
	p.owned = false
	return p.lib.Close()
}
