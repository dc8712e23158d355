package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectDictionaryIndexFindsEntryAfterFinalize(t *testing.T) {
	dict := NewObjectDictionary(0x10)
	dict.AddVariableType(0x1001, "error register", NewVariableUint8(0, "error register", AttributeSdoR, 0))
	dict.AddVariableType(0x1000, "device type", NewVariableUint32(0, "device type", AttributeSdoR, 0))
	dict.Finalize()

	entry, err := dict.Index(0x1000)
	assert.Nil(t, err)
	assert.Equal(t, "device type", entry.Name)

	entry, err = dict.Index(0x1001)
	assert.Nil(t, err)
	assert.Equal(t, "error register", entry.Name)
}

func TestObjectDictionaryIndexMissingReturnsError(t *testing.T) {
	dict := NewObjectDictionary(0x10)
	dict.Finalize()

	_, err := dict.Index(0x2000)
	assert.Equal(t, ErrIdxNotExist, err)
}

func TestObjectDictionaryAddEntryAfterFinalizePanics(t *testing.T) {
	dict := NewObjectDictionary(0x10)
	dict.Finalize()

	assert.Panics(t, func() {
		dict.AddVariableType(0x2000, "late entry", NewVariableUint8(0, "late entry", AttributeSdoR, 0))
	})
}

func TestObjectDictionaryEntriesAreSortedByIndex(t *testing.T) {
	dict := NewObjectDictionary(0x10)
	dict.AddVariableType(0x1018, "c", NewVariableUint8(0, "c", AttributeSdoR, 0))
	dict.AddVariableType(0x1001, "a", NewVariableUint8(0, "a", AttributeSdoR, 0))
	dict.AddVariableType(0x1017, "b", NewVariableUint8(0, "b", AttributeSdoR, 0))
	dict.Finalize()

	entries := dict.Entries()
	assert.Len(t, entries, 3)
	assert.EqualValues(t, 0x1001, entries[0].Index)
	assert.EqualValues(t, 0x1017, entries[1].Index)
	assert.EqualValues(t, 0x1018, entries[2].Index)
}

func TestEntryRecordSubIndexMatchesBySubIndexField(t *testing.T) {
	dict := NewObjectDictionary(0x10)
	entry := dict.AddVariableList(0x1018, "identity", NewRecord(
		NewVariableUint8(0, "highest sub-index", AttributeSdoR, 4),
		NewVariableUint32(1, "vendor id", AttributeSdoR, 0x100),
		NewVariableUint32(4, "serial number", AttributeSdoR, 0x400),
	))
	dict.Finalize()

	assert.Equal(t, 3, entry.SubCount())
	v, err := entry.SubIndex(4)
	assert.Nil(t, err)
	serial, err := v.Uint32()
	assert.Nil(t, err)
	assert.EqualValues(t, 0x400, serial)

	_, err = entry.SubIndex(2)
	assert.Equal(t, ErrSubNotExist, err)
}

func TestEntryWriteExactlyEnforcesLimits(t *testing.T) {
	dict := NewObjectDictionary(0x10)
	v := NewVariableUint8(0, "bounded", AttributeSdoRw, 5)
	v.SetLimits([]byte{1}, []byte{10})
	entry := dict.AddVariableType(0x2000, "bounded", v)
	dict.Finalize()

	assert.Nil(t, entry.WriteExactly(0, []byte{7}, false))
	got, err := entry.Uint8(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 7, got)

	err = entry.WriteExactly(0, []byte{20}, false)
	assert.Equal(t, ErrValueHigh, err)

	err = entry.WriteExactly(0, []byte{0}, false)
	assert.Equal(t, ErrValueLow, err)
}

func TestEntryPutUint32RoundTrips(t *testing.T) {
	dict := NewObjectDictionary(0x10)
	entry := dict.AddVariableType(0x2001, "cob-id", NewVariableUint32(0, "cob-id", AttributeSdoRw, 0))
	dict.Finalize()

	assert.Nil(t, entry.PutUint32(0, 0x1A00, false))
	got, err := entry.Uint32(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x1A00, got)
}

func TestEntryAddExtensionOverridesDefaultWrite(t *testing.T) {
	dict := NewObjectDictionary(0x10)
	entry := dict.AddVariableType(0x2002, "guarded", NewVariableUint8(0, "guarded", AttributeSdoRw, 0))
	dict.Finalize()

	var written byte
	entry.AddExtension(nil, ReadEntryDefault, func(stream *Stream, data []byte, countWritten *uint16) error {
		written = data[0]
		*countWritten = uint16(len(data))
		return nil
	})

	err := entry.WriteExactly(0, []byte{42}, false)
	assert.Nil(t, err)
	assert.EqualValues(t, 42, written)

	// the default path was bypassed: the variable's raw backing is untouched.
	got, err := entry.Uint8(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 0, got)
}

func TestEntryWriteExactlyWrongSizeIsTypeMismatch(t *testing.T) {
	dict := NewObjectDictionary(0x10)
	entry := dict.AddVariableType(0x2003, "u16", NewVariableUint16(0, "u16", AttributeSdoRw, 0))
	dict.Finalize()

	err := entry.WriteExactly(0, []byte{1, 2, 3}, false)
	assert.Equal(t, ErrTypeMismatch, err)
}
