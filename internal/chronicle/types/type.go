// Package types resolves debug-info type keys into a linked graph of Type
// values. Type graphs may be cyclic; a struct holding a pointer to itself
// resolves to a single node reachable from its own field.
package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/chronicle/internal/chronicle/agent"
	"github.com/dshills/chronicle/internal/chronicle/wire"
)

// UnknownSize is the size of a type whose byte size the agent did not give
// and which cannot be derived.
const UnknownSize int64 = -1

var (
	// ErrUnknownKind is returned for a type record with an unrecognized kind.
	ErrUnknownKind = errors.New("unknown type kind")

	// ErrUnknownStructKind is returned for a struct with an unrecognized
	// structKind.
	ErrUnknownStructKind = errors.New("unknown struct kind")
)

// Type is a node of the type graph. Nodes are created unlinked and linked
// to their inner types once every key in their batch has loaded.
type Type interface {
	// Key is the agent's type key. Void has an empty key.
	Key() string
	Identifier() agent.Identifier
	Size() int64
	String() string

	// finish links inner types. rec is the record the node was built from.
	finish(rec wire.Message, r resolver) error
}

// resolver looks up the resolved type for a key during finishing.
type resolver interface {
	resolve(key string) Type
}

// loader requests that a referenced key be part of the current batch.
type loader interface {
	load(key string)
}

type base struct {
	key   string
	ident agent.Identifier
	size  int64
}

func newBase(key string, rec wire.Message) base {
	return base{key: key, ident: agent.ParseIdentifier(rec), size: rec.IntOr("byteSize", UnknownSize)}
}

func (b *base) Key() string                         { return b.key }
func (b *base) Identifier() agent.Identifier        { return b.ident }
func (b *base) Size() int64                         { return b.size }
func (b *base) finish(wire.Message, resolver) error { return nil }

func (b *base) name(fallback string) string {
	if b.ident.IsEmpty() {
		return fallback
	}
	return b.ident.String()
}

// Void is the absence of a type: the target of void pointers, the result of
// procedures and any missing inner key.
var Void Type = &voidType{}

type voidType struct{}

func (*voidType) Key() string                         { return "" }
func (*voidType) Identifier() agent.Identifier        { return agent.Identifier{Name: "void"} }
func (*voidType) Size() int64                         { return 0 }
func (*voidType) String() string                      { return "void" }
func (*voidType) finish(wire.Message, resolver) error { return nil }

// Unknown stands in for a key that could not be resolved: the agent had no
// record, the record was garbled, or an alias chain ended in a cycle.
// Unknown types are never cached.
type Unknown struct {
	key string
}

func (u *Unknown) Key() string                         { return u.key }
func (u *Unknown) Identifier() agent.Identifier        { return agent.Identifier{} }
func (u *Unknown) Size() int64                         { return UnknownSize }
func (u *Unknown) String() string                      { return "<unknown " + u.key + ">" }
func (u *Unknown) finish(wire.Message, resolver) error { return nil }

// Int is an integer type, including char and bool.
type Int struct {
	base
	Signed bool
}

func (t *Int) String() string { return t.name("int") }

// Float is a floating point type.
type Float struct {
	base
}

func (t *Float) String() string { return t.name("float") }

// Pointer is a pointer or reference.
type Pointer struct {
	base
	Reference bool
	Inner     Type
}

func (t *Pointer) finish(rec wire.Message, r resolver) error {
	key, _ := rec.String("innerTypeKey")
	t.Inner = r.resolve(key)
	return nil
}

func (t *Pointer) String() string {
	suffix := "*"
	if t.Reference {
		suffix = "&"
	}
	return innerName(t.Inner) + suffix
}

// Array is a fixed or unbounded array.
type Array struct {
	base
	Inner Type

	// Length is the element count, or -1 if unbounded.
	Length int64
}

func (t *Array) finish(rec wire.Message, r resolver) error {
	key, _ := rec.String("innerTypeKey")
	t.Inner = r.resolve(key)
	return nil
}

// Size returns the declared size, or the element size times the length.
func (t *Array) Size() int64 {
	if t.size != UnknownSize {
		return t.size
	}
	if t.Length < 0 || t.Inner == nil {
		return UnknownSize
	}
	elem := t.Inner.Size()
	if elem == UnknownSize {
		return UnknownSize
	}
	return elem * t.Length
}

func (t *Array) String() string {
	if t.Length < 0 {
		return innerName(t.Inner) + "[]"
	}
	return fmt.Sprintf("%s[%d]", innerName(t.Inner), t.Length)
}

// StructKind distinguishes struct, class and union.
type StructKind int

// Struct kinds.
const (
	KindStruct StructKind = iota
	KindClass
	KindUnion
)

var structKindNames = [...]string{
	KindStruct: "struct",
	KindClass:  "class",
	KindUnion:  "union",
}

func (k StructKind) String() string {
	if k < 0 || int(k) >= len(structKindNames) {
		return fmt.Sprintf("StructKind(%d)", int(k))
	}
	return structKindNames[k]
}

func parseStructKind(name string) (StructKind, error) {
	for i, n := range structKindNames {
		if n == name {
			return StructKind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStructKind, name)
}

// Field is a struct member.
type Field struct {
	Name       string
	Type       Type
	ByteOffset int64

	// BitOffset and BitLength are set for bitfields; BitLength is zero
	// otherwise.
	BitOffset int
	BitLength int
	Synthetic bool
}

// Struct is a struct, class or union.
type Struct struct {
	base
	Kind    StructKind
	Partial bool
	Fields  []Field
}

func (t *Struct) finish(rec wire.Message, r resolver) error {
	objs, _, err := rec.Objects("fields")
	if err != nil {
		return err
	}
	t.Fields = make([]Field, 0, len(objs))
	for _, o := range objs {
		f := Field{
			ByteOffset: o.IntOr("byteOffset", 0),
			BitOffset:  int(o.IntOr("bitOffset", 0)),
			BitLength:  int(o.IntOr("bitLength", 0)),
			Synthetic:  o.BoolOr("synthetic", false),
		}
		f.Name, _ = o.String("name")
		key, _ := o.String("typeKey")
		f.Type = r.resolve(key)
		t.Fields = append(t.Fields, f)
	}
	return nil
}

// Field returns the member with the given name.
func (t *Struct) Field(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (t *Struct) String() string {
	return t.Kind.String() + " " + t.name("<anonymous>")
}

// EnumValue is one enumerator.
type EnumValue struct {
	Name  string
	Value int64
}

// Enum is an enumeration.
type Enum struct {
	base
	Values []EnumValue
}

// NameOf returns the enumerator for v.
func (t *Enum) NameOf(v int64) (string, bool) {
	for _, e := range t.Values {
		if e.Value == v {
			return e.Name, true
		}
	}
	return "", false
}

func (t *Enum) String() string { return "enum " + t.name("<anonymous>") }

// Typedef names another type.
type Typedef struct {
	base
	Inner Type
}

func (t *Typedef) finish(rec wire.Message, r resolver) error {
	key, _ := rec.String("innerTypeKey")
	t.Inner = r.resolve(key)
	return nil
}

// Size returns the inner type's size unless the record gave one.
func (t *Typedef) Size() int64 {
	if t.size == UnknownSize && t.Inner != nil {
		return t.Inner.Size()
	}
	return t.size
}

func (t *Typedef) String() string { return t.name(innerName(t.Inner)) }

// Annotation qualifies another type, such as const or volatile.
type Annotation struct {
	base
	Annotation string
	Inner      Type
}

func (t *Annotation) finish(rec wire.Message, r resolver) error {
	key, _ := rec.String("innerTypeKey")
	t.Inner = r.resolve(key)
	return nil
}

// Size returns the inner type's size unless the record gave one.
func (t *Annotation) Size() int64 {
	if t.size == UnknownSize && t.Inner != nil {
		return t.Inner.Size()
	}
	return t.size
}

func (t *Annotation) String() string { return t.Annotation + " " + innerName(t.Inner) }

// Function is a function type.
type Function struct {
	base
	Result Type
	Params []Type

	// Varargs is set when the parameter list is open.
	Varargs bool
}

func (t *Function) finish(rec wire.Message, r resolver) error {
	key, _ := rec.String("resultTypeKey")
	t.Result = r.resolve(key)
	params, _ := rec.Array("parameterTypeKeys")
	t.Params = make([]Type, 0, len(params))
	for _, p := range params {
		t.Params = append(t.Params, r.resolve(p.String()))
	}
	return nil
}

func (t *Function) String() string {
	var b strings.Builder
	b.WriteString(innerName(t.Result))
	b.WriteString(" (")
	for i, p := range t.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(innerName(p))
	}
	if t.Varargs {
		if len(t.Params) > 0 {
			b.WriteString(", ")
		}
		b.WriteString("...")
	}
	b.WriteString(")")
	return b.String()
}

func innerName(t Type) string {
	if t == nil {
		return "?"
	}
	// Structs print by name only, which keeps cyclic graphs finite.
	if s, ok := t.(*Struct); ok {
		return s.name("<anonymous>")
	}
	return t.String()
}

// Strip removes typedefs and annotations.
func Strip(t Type) Type {
	for i := 0; i < 64; i++ {
		switch v := t.(type) {
		case *Typedef:
			t = v.Inner
		case *Annotation:
			t = v.Inner
		default:
			return t
		}
	}
	return t
}

// newType builds an unlinked node from a record and asks l to load every
// key the node refers to.
func newType(key string, rec wire.Message, l loader) (Type, error) {
	kind, err := rec.RequiredString("kind")
	if err != nil {
		return nil, err
	}
	b := newBase(key, rec)
	loadKey := func(field string) {
		if k, ok := rec.String(field); ok && k != "" {
			l.load(k)
		}
	}

	switch kind {
	case "int":
		return &Int{base: b, Signed: rec.BoolOr("signed", false)}, nil
	case "float":
		return &Float{base: b}, nil
	case "pointer":
		loadKey("innerTypeKey")
		return &Pointer{base: b, Reference: rec.BoolOr("isReference", false)}, nil
	case "array":
		loadKey("innerTypeKey")
		return &Array{base: b, Length: rec.IntOr("length", -1)}, nil
	case "struct":
		sk := KindStruct
		if name, ok := rec.String("structKind"); ok {
			if sk, err = parseStructKind(name); err != nil {
				return nil, err
			}
		}
		objs, _, err := rec.Objects("fields")
		if err != nil {
			return nil, err
		}
		for _, o := range objs {
			if k, ok := o.String("typeKey"); ok && k != "" {
				l.load(k)
			}
		}
		return &Struct{base: b, Kind: sk, Partial: rec.BoolOr("partial", false)}, nil
	case "enum":
		objs, _, err := rec.Objects("values")
		if err != nil {
			return nil, err
		}
		t := &Enum{base: b}
		for _, o := range objs {
			name, err := o.RequiredString("name")
			if err != nil {
				return nil, err
			}
			v, err := o.RequiredInt("value")
			if err != nil {
				return nil, err
			}
			t.Values = append(t.Values, EnumValue{Name: name, Value: v})
		}
		return t, nil
	case "typedef":
		loadKey("innerTypeKey")
		return &Typedef{base: b}, nil
	case "annotation":
		loadKey("innerTypeKey")
		ann, _ := rec.String("annotation")
		return &Annotation{base: b, Annotation: ann}, nil
	case "function":
		loadKey("resultTypeKey")
		params, _ := rec.Array("parameterTypeKeys")
		for _, p := range params {
			if k := p.String(); k != "" {
				l.load(k)
			}
		}
		return &Function{base: b, Varargs: rec.BoolOr("unspecifiedParameters", false)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
