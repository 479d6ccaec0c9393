package dynlib

import (
	"fmt"
	"strings"
)

// Signature declares one method of a native interface.
type Signature struct {
	// Name is the method name callers use.
	Name string
	// Symbol is the exported symbol; defaults to Name.
	Symbol string
	Params []Type
	Return Type
	// Optional methods may be absent from the library; calling one that
	// was not resolved fails with ErrUnboundMethod.
	Optional bool
}

// Func declares a required method whose symbol has the same name.
func Func(name string, ret Type, params ...Type) Signature {
	return Signature{Name: name, Symbol: name, Return: ret, Params: params}
}

// As returns s bound to a differently named symbol.
func (s Signature) As(symbol string) Signature {
	s.Symbol = symbol
	return s
}

// OrAbsent returns s marked optional.
func (s Signature) OrAbsent() Signature {
	s.Optional = true
	return s
}

func (s Signature) symbol() string {
	if s.Symbol == "" {
		return s.Name
	}
	return s.Symbol
}

func (s Signature) String() string {
	var b strings.Builder
	if s.Optional {
		b.WriteByte('?')
	}
	b.WriteString(s.Return.String())
	b.WriteByte(' ')
	b.WriteString(s.symbol())
	b.WriteByte('(')
	for i, p := range s.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.String())
	}
	b.WriteByte(')')
	return b.String()
}

// ParseSignature parses a declaration of the form "ret(param, ...)", with
// an optional leading '?' for optional methods and an optional "@symbol"
// suffix naming the exported symbol, e.g. "?size_t(string)@strlen".
func ParseSignature(name, decl string) (Signature, error) {
	sig := Signature{Name: name, Symbol: name}
	d := strings.TrimSpace(decl)
	if strings.HasPrefix(d, "?") {
		sig.Optional = true
		d = strings.TrimSpace(d[1:])
	}
	if i := strings.LastIndex(d, "@"); i >= 0 {
		sig.Symbol = strings.TrimSpace(d[i+1:])
		d = strings.TrimSpace(d[:i])
		if sig.Symbol == "" {
			return sig, fmt.Errorf("%s: empty symbol after '@'", name)
		}
	}
	open, close := strings.IndexByte(d, '('), strings.LastIndexByte(d, ')')
	if open < 0 || close < open || close != len(d)-1 {
		return sig, fmt.Errorf("%s: malformed declaration %q", name, decl)
	}
	ret, err := ParseType(d[:open])
	if err != nil {
		return sig, fmt.Errorf("%s: return: %w", name, err)
	}
	if ret == Chars || ret == WChars {
		return sig, fmt.Errorf("%s: %s cannot be returned without a length", name, ret)
	}
	sig.Return = ret
	params := strings.TrimSpace(d[open+1 : close])
	if params == "" || params == "void" {
		return sig, nil
	}
	for i, p := range strings.Split(params, ",") {
		t, err := ParseType(p)
		if err != nil {
			return sig, fmt.Errorf("%s: param[%d]: %w", name, i, err)
		}
		if t == Void {
			return sig, fmt.Errorf("%s: param[%d]: void parameter", name, i)
		}
		sig.Params = append(sig.Params, t)
	}
	return sig, nil
}

// SignatureSet is a named native interface: an ordered set of method
// signatures. A Proxy implements a set when it was bound against it.
type SignatureSet struct {
	name  string
	sigs  []Signature
	index map[string]int
}

func NewSignatureSet(name string, sigs ...Signature) (*SignatureSet, error) {
	s := &SignatureSet{name: name, index: make(map[string]int, len(sigs))}
	for _, sig := range sigs {
		if sig.Name == "" {
			return nil, fmt.Errorf("signature set %s: method without a name", name)
		}
		if _, dup := s.index[sig.Name]; dup {
			return nil, fmt.Errorf("signature set %s: duplicate method %s", name, sig.Name)
		}
		if sig.Return == Chars || sig.Return == WChars {
			return nil, fmt.Errorf("signature set %s: %s: %s cannot be returned without a length", name, sig.Name, sig.Return)
		}
		s.index[sig.Name] = len(s.sigs)
		s.sigs = append(s.sigs, sig)
	}
	return s, nil
}

// MustSignatureSet is like NewSignatureSet but panics on error.
func MustSignatureSet(name string, sigs ...Signature) *SignatureSet {
	s, err := NewSignatureSet(name, sigs...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *SignatureSet) Name() string { return s.name }
func (s *SignatureSet) Len() int     { return len(s.sigs) }

// Signatures returns the declared signatures in declaration order.
func (s *SignatureSet) Signatures() []Signature {
	return append([]Signature(nil), s.sigs...)
}

func (s *SignatureSet) Lookup(method string) (Signature, bool) {
	i, ok := s.index[method]
	if !ok {
		return Signature{}, false
	}
	return s.sigs[i], true
}
