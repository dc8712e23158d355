package od

import (
	"encoding/binary"
	"fmt"
)

// Entry is the dictionary's atom, identified by (Index, SubIndex=*).
// It wraps either a single Variable (object type VAR/DOMAIN) or a
// VariableList (ARRAY/RECORD), plus an optional extension: the polymorphic
// "type handle" of spec.md §3/§9, modeled as up to two optional capability
// functions (read/write) carried alongside an arbitrary bound object,
// mirroring the teacher's od.Entry/extension split.
type Entry struct {
	Index      uint16
	Name       string
	ObjectType uint8
	object     any // *Variable or *VariableList
	extension  *extension
}

func NewEntry(index uint16, name string, object any, objectType uint8) *Entry {
	return &Entry{Index: index, Name: name, object: object, ObjectType: objectType}
}

// AddExtension binds a custom StreamReader/StreamWriter pair (either may be
// nil) to this entry, overriding the default inline read/write. This is how
// PDO communication parameters validate COB-ID transitions, how heartbeat
// consumer slots pack/unpack their period|node-id|0 layout, and so on.
func (e *Entry) AddExtension(object any, read StreamReader, write StreamWriter) {
	e.extension = &extension{object: object, read: read, write: write}
}

func (e *Entry) Extension() *extension { return e.extension }

// SubIndex returns the Variable living at the given sub-index.
func (e *Entry) SubIndex(subIndex uint8) (*Variable, error) {
	if e == nil {
		return nil, ErrIdxNotExist
	}
	switch object := e.object.(type) {
	case *Variable:
		if subIndex != 0 {
			return nil, ErrSubNotExist
		}
		return object, nil
	case *VariableList:
		return object.GetSubObject(subIndex)
	default:
		return nil, ErrDevIncompat
	}
}

// SubCount returns the number of addressable sub-entries (1 for VAR/DOMAIN).
func (e *Entry) SubCount() int {
	switch object := e.object.(type) {
	case *Variable:
		return 1
	case *VariableList:
		return len(object.Variables)
	default:
		return 0
	}
}

func (e *Entry) Uint8(subIndex uint8) (uint8, error) {
	v, err := e.SubIndex(subIndex)
	if err != nil {
		return 0, err
	}
	return v.Uint8()
}

func (e *Entry) Uint16(subIndex uint8) (uint16, error) {
	v, err := e.SubIndex(subIndex)
	if err != nil {
		return 0, err
	}
	return v.Uint16()
}

func (e *Entry) Uint32(subIndex uint8) (uint32, error) {
	v, err := e.SubIndex(subIndex)
	if err != nil {
		return 0, err
	}
	return v.Uint32()
}

// PutUint8/16/32 write through the streamer pipeline (extension included
// unless origin is set), matching the teacher's Entry.PutUintNN/origin flag.
func (e *Entry) PutUint8(subIndex uint8, value uint8, origin bool) error {
	return e.WriteExactly(subIndex, []byte{value}, origin)
}

func (e *Entry) PutUint16(subIndex uint8, value uint16, origin bool) error {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, value)
	return e.WriteExactly(subIndex, b, origin)
}

func (e *Entry) PutUint32(subIndex uint8, value uint32, origin bool) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, value)
	return e.WriteExactly(subIndex, b, origin)
}

func (e *Entry) ReadExactly(subIndex uint8, b []byte, origin bool) error {
	streamer, err := NewStreamer(e, subIndex, origin)
	if err != nil {
		return err
	}
	if int(streamer.DataLength) != len(b) {
		return ErrTypeMismatch
	}
	_, err = streamer.Read(b)
	if err == ErrPartial {
		err = nil
	}
	return err
}

func (e *Entry) WriteExactly(subIndex uint8, b []byte, origin bool) error {
	streamer, err := NewStreamer(e, subIndex, origin)
	if err != nil {
		return err
	}
	if int(streamer.DataLength) != len(b) {
		return ErrTypeMismatch
	}
	_, err = streamer.Write(b)
	if err == ErrPartial {
		err = nil
	}
	return err
}

// WriteRaw replaces a variable's entire backing value, used by SDO
// segmented/block download once the full payload has been reassembled.
// DOMAIN variables accept any length; fixed-width types must match
// exactly and are still subject to the variable's configured limits.
func (e *Entry) WriteRaw(subIndex uint8, data []byte) error {
	v, err := e.SubIndex(subIndex)
	if err != nil {
		return err
	}
	if v.DataType == DOMAIN {
		v.SetRawUnsafe(append([]byte(nil), data...))
		return nil
	}
	if err := CheckSize(len(data), v.DataType); err != nil {
		return err
	}
	if err := v.checkLimits(data); err != nil {
		return err
	}
	v.SetRawUnsafe(append([]byte(nil), data...))
	return nil
}

func (e *Entry) String() string {
	return fmt.Sprintf("0x%04X (%s)", e.Index, e.Name)
}
