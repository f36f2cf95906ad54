package agent

import (
	"fmt"
	"math/big"

	"github.com/tidwall/gjson"

	"github.com/dshills/chronicle/internal/chronicle/wire"
)

// Identifier is a possibly qualified debug-info name.
type Identifier struct {
	Name            string
	NamespacePrefix string
	ContainerPrefix string
	Synthetic       bool
}

// ParseIdentifier reads the identifier fields of a record.
func ParseIdentifier(m wire.Message) Identifier {
	var id Identifier
	id.Name, _ = m.String("name")
	id.NamespacePrefix, _ = m.String("namespacePrefix")
	id.ContainerPrefix, _ = m.String("containerPrefix")
	id.Synthetic = m.BoolOr("synthetic", false)
	return id
}

// IsEmpty reports whether the identifier carries no information.
func (id Identifier) IsEmpty() bool {
	return id == Identifier{}
}

// String returns the qualified name.
func (id Identifier) String() string {
	name := id.Name
	if name == "" {
		name = "<anonymous>"
	}
	return id.NamespacePrefix + id.ContainerPrefix + name
}

// Function describes one function instance in the trace.
type Function struct {
	Identifier      Identifier
	CompilationUnit string
	BeginTStamp     int64
	EndTStamp       int64
	EntryPoint      int64
	PrologueEnd     int64
	HasPrologueEnd  bool
	Ranges          []MemRange
	TypeKey         string
}

// ParseFunction decodes a function record.
func ParseFunction(m wire.Message) (*Function, error) {
	f := &Function{Identifier: ParseIdentifier(m)}
	f.CompilationUnit, _ = m.String("compilationUnit")

	var err error
	if f.BeginTStamp, err = m.RequiredInt("beginTStamp"); err != nil {
		return nil, err
	}
	if f.EndTStamp, err = m.RequiredInt("endTStamp"); err != nil {
		return nil, err
	}
	if f.EntryPoint, err = m.RequiredInt("entryPoint"); err != nil {
		return nil, err
	}
	f.PrologueEnd, f.HasPrologueEnd = m.Int("prologueEnd")
	if f.Ranges, err = ParseMemRanges(m, "ranges"); err != nil {
		return nil, err
	}
	f.TypeKey, _ = m.String("typeKey")
	return f, nil
}

// PlaceholderFunction describes code at address with no debug info. It
// spans the whole trace.
func PlaceholderFunction(s *Session, address int64) *Function {
	return &Function{
		BeginTStamp: 0,
		EndTStamp:   s.EndTStamp(),
		EntryPoint:  address,
	}
}

// String returns the function name, or its entry point if it has none.
func (f *Function) String() string {
	if f.Identifier.IsEmpty() {
		return fmt.Sprintf("%#x", f.EntryPoint)
	}
	return f.Identifier.String()
}

// Variable is a local, parameter or global variable.
type Variable struct {
	Identifier Identifier
	TypeKey    string
	ValKey     string
}

// ParseVariable decodes a variable record.
func ParseVariable(m wire.Message) (*Variable, error) {
	v := &Variable{Identifier: ParseIdentifier(m)}
	v.TypeKey, _ = m.String("typeKey")
	var err error
	if v.ValKey, err = m.RequiredString("valKey"); err != nil {
		return nil, err
	}
	return v, nil
}

// SourceCoordinate is a source position. Lines and columns start at 1;
// zero means unknown.
type SourceCoordinate struct {
	Filename    string
	StartLine   int
	StartColumn int
	EndLine     int
	EndColumn   int
}

// ParseSourceCoordinate decodes a source position. End defaults to start.
func ParseSourceCoordinate(m wire.Message) SourceCoordinate {
	var c SourceCoordinate
	c.Filename, _ = m.String("filename")
	c.StartLine = int(m.IntOr("startLine", 0))
	c.StartColumn = int(m.IntOr("startColumn", 0))
	c.EndLine = int(m.IntOr("endLine", int64(c.StartLine)))
	c.EndColumn = int(m.IntOr("endColumn", int64(c.StartColumn)))
	return c
}

// String implements fmt.Stringer.
func (c SourceCoordinate) String() string {
	if c.Filename == "" {
		return "<unknown>"
	}
	return fmt.Sprintf("%s:%d", c.Filename, c.StartLine)
}

// PieceKind tags where a piece of a variable is stored.
type PieceKind int

// Piece kinds.
const (
	PieceMemory PieceKind = iota
	PieceRegister
	PieceConstant
	PieceError
	PieceUndefined
)

var pieceKindNames = [...]string{
	PieceMemory:    "memory",
	PieceRegister:  "register",
	PieceConstant:  "constant",
	PieceError:     "error",
	PieceUndefined: "undefined",
}

// String returns the agent's name for the kind.
func (k PieceKind) String() string {
	if k < 0 || int(k) >= len(pieceKindNames) {
		return fmt.Sprintf("PieceKind(%d)", int(k))
	}
	return pieceKindNames[k]
}

// VariablePiece is one contiguous bit range of a variable's storage.
type VariablePiece struct {
	Kind PieceKind

	// BitStart is the position of the piece within the value.
	BitStart int

	// BitLength of zero means the piece extends to the end of the read.
	BitLength int

	// Memory pieces.
	Address          int64
	AddressBitOffset int

	// Register pieces.
	Register          string
	RegisterBitOffset int

	// Constant pieces.
	Data []byte
}

// ParseVariablePiece decodes a location piece.
func ParseVariablePiece(m wire.Message) (VariablePiece, error) {
	var p VariablePiece

	kind, err := m.RequiredString("type")
	if err != nil {
		return p, err
	}
	found := false
	for i, n := range pieceKindNames {
		if n == kind {
			p.Kind = PieceKind(i)
			found = true
			break
		}
	}
	if !found {
		return p, fmt.Errorf("%w: %q", ErrUnknownPieceType, kind)
	}

	start, err := m.RequiredInt("valueBitStart")
	if err != nil {
		return p, err
	}
	if start < 0 {
		return p, &ValueError{Field: "valueBitStart", Value: start, Err: ErrNegativeLength}
	}
	p.BitStart = int(start)

	length, err := m.RequiredInt("bitLength")
	if err != nil {
		return p, err
	}
	if length < 0 {
		return p, &ValueError{Field: "bitLength", Value: length, Err: ErrNegativeLength}
	}
	p.BitLength = int(length)

	switch p.Kind {
	case PieceMemory:
		if p.Address, err = m.RequiredInt("address"); err != nil {
			return p, err
		}
		off, err := m.RequiredInt("addressBitOffset")
		if err != nil {
			return p, err
		}
		p.AddressBitOffset = int(off)
	case PieceRegister:
		if p.Register, err = m.RequiredString("register"); err != nil {
			return p, err
		}
		off, err := m.RequiredInt("registerBitOffset")
		if err != nil {
			return p, err
		}
		p.RegisterBitOffset = int(off)
	case PieceConstant:
		hex, err := m.RequiredString("data")
		if err != nil {
			return p, err
		}
		if p.Data, err = wire.ParseHexBytes(hex); err != nil {
			return p, err
		}
	}
	return p, nil
}

// RegisterValue is the value of one register.
type RegisterValue struct {
	Name string
	Bits int

	// Value holds the low 64 bits.
	Value uint64

	// Big is set when Bits exceeds 64.
	Big *big.Int
}

// Bytes returns the value in little endian order, Bits/8 bytes long.
func (v RegisterValue) Bytes() []byte {
	n := (v.Bits + 7) / 8
	out := make([]byte, n)
	if v.Big != nil {
		be := v.Big.Bytes()
		for i := 0; i < len(be) && i < n; i++ {
			out[i] = be[len(be)-1-i]
		}
		return out
	}
	for i := 0; i < n && i < 8; i++ {
		out[i] = byte(v.Value >> (8 * i))
	}
	return out
}

// RegisterValues holds the result of a readReg query.
type RegisterValues struct {
	values []RegisterValue
}

// ParseRegisterValues reads every string field of m as a hex register
// value. Fields that are not hex are ignored.
func ParseRegisterValues(m wire.Message) RegisterValues {
	var rv RegisterValues
	m.Fields(func(key string, value gjson.Result) bool {
		if value.Type != gjson.String || controlFields[key] {
			return true
		}
		if v, ok := parseRegisterValue(key, value.Str); ok {
			rv.values = append(rv.values, v)
		}
		return true
	})
	return rv
}

func parseRegisterValue(name, s string) (RegisterValue, bool) {
	if s == "" {
		return RegisterValue{}, false
	}
	b, ok := new(big.Int).SetString(s, 16)
	if !ok || b.Sign() < 0 {
		return RegisterValue{}, false
	}
	v := RegisterValue{Name: name, Bits: len(s) * 4}
	lo := new(big.Int).And(b, new(big.Int).SetUint64(^uint64(0)))
	v.Value = lo.Uint64()
	if v.Bits > 64 {
		v.Big = b
	}
	return v, true
}

// Get returns the value of a register.
func (rv RegisterValues) Get(name string) (RegisterValue, bool) {
	for _, v := range rv.values {
		if v.Name == name {
			return v, true
		}
	}
	return RegisterValue{}, false
}

// Uint64 returns a register value that fits in 64 bits.
func (rv RegisterValues) Uint64(name string) (uint64, bool) {
	v, ok := rv.Get(name)
	if !ok || v.Bits > 64 {
		return 0, false
	}
	return v.Value, true
}

// Values returns every register value in response order.
func (rv RegisterValues) Values() []RegisterValue {
	return rv.values
}
