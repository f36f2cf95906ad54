package agent

import (
	"encoding/binary"
	"fmt"
)

// Pseudo register names understood by readReg on every architecture.
const (
	RegisterThread = "thread"
	RegisterPC     = "pc"
)

// Architecture describes a target machine profile.
type Architecture struct {
	name         string
	spRegister   string
	pointerSize  int
	littleEndian bool
}

var (
	// ArchX86 is 32-bit x86.
	ArchX86 = &Architecture{name: "x86", spRegister: "esp", pointerSize: 4, littleEndian: true}

	// ArchAMD64 is x86-64.
	ArchAMD64 = &Architecture{name: "amd64", spRegister: "rsp", pointerSize: 8, littleEndian: true}
)

var architectures = map[string]*Architecture{
	ArchX86.name:   ArchX86,
	ArchAMD64.name: ArchAMD64,
}

// LookupArchitecture returns the architecture with the given agent name.
func LookupArchitecture(name string) (*Architecture, error) {
	a, ok := architectures[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownArchitecture, name)
	}
	return a, nil
}

// Name returns the agent's name for the architecture.
func (a *Architecture) Name() string { return a.name }

// SPRegister returns the name of the stack pointer register.
func (a *Architecture) SPRegister() string { return a.spRegister }

// PointerSize returns the size of a pointer in bytes.
func (a *Architecture) PointerSize() int { return a.pointerSize }

// IsLittleEndian reports the target byte order.
func (a *Architecture) IsLittleEndian() bool { return a.littleEndian }

// ByteOrder returns the target byte order.
func (a *Architecture) ByteOrder() binary.ByteOrder {
	if a.littleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// ToBigEndian returns a copy of target-order bytes in big endian order.
func (a *Architecture) ToBigEndian(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	if a.littleEndian {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// String implements fmt.Stringer.
func (a *Architecture) String() string { return a.name }
