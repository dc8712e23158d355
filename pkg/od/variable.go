package od

import (
	"encoding/binary"
	"sync"
)

// Variable is the storage unit behind a VAR object, or a single sub-entry
// of an ARRAY/RECORD object. It mirrors the teacher's od.Variable, minus
// the EDS/ini-backed constructor (config-file loading is out of scope).
type Variable struct {
	mu        sync.RWMutex
	Name      string
	DataType  uint8
	Attribute uint16
	SubIndex  uint8
	value     []byte
	lowLimit  []byte
	highLimit []byte
}

// NewVariable creates a fixed-size variable of the given CiA 301 data type,
// pre-loaded with value (little-endian encoded ahead of time, since the
// dictionary never allocates after construction).
func NewVariable(subIndex uint8, name string, dataType uint8, attribute uint16, value []byte) *Variable {
	return &Variable{
		Name:      name,
		DataType:  dataType,
		Attribute: attribute,
		SubIndex:  subIndex,
		value:     value,
	}
}

// NewVariableUint8/16/32 are convenience constructors for the common
// fixed-width scalar case.
func NewVariableUint8(subIndex uint8, name string, attribute uint16, value uint8) *Variable {
	return NewVariable(subIndex, name, UNSIGNED8, attribute, []byte{value})
}

func NewVariableUint16(subIndex uint8, name string, attribute uint16, value uint16) *Variable {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, value)
	return NewVariable(subIndex, name, UNSIGNED16, attribute, b)
}

func NewVariableUint32(subIndex uint8, name string, attribute uint16, value uint32) *Variable {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, value)
	return NewVariable(subIndex, name, UNSIGNED32, attribute, b)
}

// NewVariableDomain creates a variable-length byte blob of capacity cap,
// initially empty (size obtained via its length, per spec.md §3 "Domain").
func NewVariableDomain(subIndex uint8, name string, attribute uint16, capacity int) *Variable {
	return NewVariable(subIndex, name, DOMAIN, attribute, make([]byte, 0, capacity))
}

// NewVariableVisibleString creates a fixed-capacity string buffer.
func NewVariableVisibleString(subIndex uint8, name string, attribute uint16, capacity int, initial string) *Variable {
	b := make([]byte, capacity)
	copy(b, initial)
	return NewVariable(subIndex, name, VISIBLE_STRING, attribute, b)
}

// DataLength returns the number of bytes currently backing the variable.
func (v *Variable) DataLength() uint32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return uint32(len(v.value))
}

func (v *Variable) SetLimits(low, high []byte) {
	v.lowLimit = low
	v.highLimit = high
}

// checkLimits enforces the configured low/high bounds against a candidate
// write, for the numeric CiA 301 types that have a natural ordering. Types
// without configured limits (the common case) are unchecked.
func (v *Variable) checkLimits(candidate []byte) error {
	if v.lowLimit == nil && v.highLimit == nil {
		return nil
	}
	value, err := DecodeToTypeExact(candidate, v.DataType)
	if err != nil {
		return nil
	}
	asFloat, ok := numericValue(value)
	if !ok {
		return nil
	}
	if v.lowLimit != nil {
		if low, ok := numericValue(mustDecode(v.lowLimit, v.DataType)); ok && asFloat < low {
			return ErrValueLow
		}
	}
	if v.highLimit != nil {
		if high, ok := numericValue(mustDecode(v.highLimit, v.DataType)); ok && asFloat > high {
			return ErrValueHigh
		}
	}
	return nil
}

func mustDecode(raw []byte, dataType uint8) any {
	v, err := DecodeToTypeExact(raw, dataType)
	if err != nil {
		return nil
	}
	return v
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case uint8:
		return float64(n), true
	case int8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case int16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func (v *Variable) Uint8() (uint8, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.value) != 1 {
		return 0, ErrTypeMismatch
	}
	return v.value[0], nil
}

func (v *Variable) Uint16() (uint16, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.value) != 2 {
		return 0, ErrTypeMismatch
	}
	return binary.LittleEndian.Uint16(v.value), nil
}

func (v *Variable) Uint32() (uint32, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.value) != 4 {
		return 0, ErrTypeMismatch
	}
	return binary.LittleEndian.Uint32(v.value), nil
}

// SetRawUnsafe overwrites value without going through the streamer pipeline.
// Intended for construction-time presets only.
func (v *Variable) SetRawUnsafe(value []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.value = value
}

// RawPointer exposes the first byte of the backing storage directly,
// bypassing the streamer pipeline. Used by the error register (0x1001),
// which services update in place without going through SDO/PDO access.
func (v *Variable) RawPointer() *byte {
	if len(v.value) == 0 {
		return nil
	}
	return &v.value[0]
}
