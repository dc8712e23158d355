package od

// Stream is the low-level handle passed to a StreamReader/StreamWriter.
// It exposes the entry's backing bytes plus bookkeeping for multi-call
// transfers (segmented/block SDO), mirroring the teacher's od.Stream.
type Stream struct {
	Data       []byte
	DataOffset uint32
	DataLength uint32
	Object     any // custom extension object, nil for the default path
	Attribute  uint16
	Index      uint16
	SubIndex   uint8
	NodeID     uint8 // not set by NewStreamer; no read path adds it
}

// StreamReader/StreamWriter are the two optional capability slots of the
// "type handle" in spec.md §3/§9. Absence (nil) falls back to the default
// inline read/write implemented below.
type StreamReader func(stream *Stream, data []byte, countRead *uint16) error
type StreamWriter func(stream *Stream, data []byte, countWritten *uint16) error

type extension struct {
	object any
	read   StreamReader
	write  StreamWriter
}

// Streamer is created fresh for every dictionary access and dispatches to
// either the entry's extension or the default inline reader/writer.
type Streamer struct {
	Stream
	reader StreamReader
	writer StreamWriter
}

func (s *Streamer) Read(b []byte) (int, error) {
	countRead := uint16(0)
	err := s.reader(&s.Stream, b, &countRead)
	return int(countRead), err
}

func (s *Streamer) Write(b []byte) (int, error) {
	countWritten := uint16(0)
	err := s.writer(&s.Stream, b, &countWritten)
	return int(countWritten), err
}

func (s *Streamer) HasAttribute(attribute uint16) bool {
	return s.Attribute&attribute != 0
}

// ResetData re-targets the streamer at a fresh, zeroed buffer of the given
// size. Used by PDO mapping to build "dummy" padding entries.
func (s *Streamer) ResetData(size, offset uint32) {
	s.Data = make([]byte, size)
	s.DataOffset = offset
	s.DataLength = size
}

func (s *Streamer) SetReader(r StreamReader) { s.reader = r }
func (s *Streamer) SetWriter(w StreamWriter) { s.writer = w }
func (s *Streamer) Reader() StreamReader     { return s.reader }
func (s *Streamer) Writer() StreamWriter     { return s.writer }

// SetStream replaces the streamer's Stream wholesale, used by PDO mapping to
// re-target a mapping slot's streamer at a freshly looked-up variable.
func (s *Streamer) SetStream(stream Stream) { s.Stream = stream }

// ReadEntryDefault/WriteEntryDefault expose the inline copy path without a
// bound Variable (no limit checking, no locking), for extensions that want
// to fall through to the default behavior for sub-indices they don't
// special-case, mirroring the teacher's od.ReadEntryDefault/WriteEntryDefault.
func ReadEntryDefault(stream *Stream, data []byte, countRead *uint16) error {
	return copyOut(stream, data, countRead)
}

func WriteEntryDefault(stream *Stream, data []byte, countWritten *uint16) error {
	return copyIn(stream, data, countWritten)
}

// NewStreamer builds a Streamer for (entry, subIndex). origin bypasses any
// registered extension, reaching the variable's raw storage directly — used
// by construction-time presets and by services writing "through" a
// validated extension once the extension itself has approved the write.
func NewStreamer(entry *Entry, subIndex uint8, origin bool) (*Streamer, error) {
	if entry == nil {
		return nil, ErrIdxNotExist
	}
	streamer := &Streamer{}
	variable, err := entry.SubIndex(subIndex)
	if err != nil {
		return nil, err
	}
	streamer.Attribute = variable.Attribute
	streamer.Data = variable.value
	streamer.DataLength = variable.DataLength()
	streamer.Index = entry.Index
	streamer.SubIndex = subIndex

	if entry.extension == nil || origin {
		streamer.reader = readEntryDefault(variable)
		streamer.writer = writeEntryDefault(variable)
		return streamer, nil
	}
	if entry.extension.read == nil {
		streamer.reader = ReadEntryDisabled
	} else {
		streamer.reader = entry.extension.read
	}
	if entry.extension.write == nil {
		streamer.writer = WriteEntryDisabled
	} else {
		streamer.writer = entry.extension.write
	}
	streamer.Object = entry.extension.object
	return streamer, nil
}

// readEntryDefault/writeEntryDefault close over the backing Variable so the
// default path can take its RWMutex for the duration of the copy, the way
// the teacher's ReadEntryDefault/WriteEntryDefault lock the Variable's mu.
func readEntryDefault(variable *Variable) StreamReader {
	return func(stream *Stream, data []byte, countRead *uint16) error {
		variable.mu.RLock()
		defer variable.mu.RUnlock()
		return copyOut(stream, data, countRead)
	}
}

func writeEntryDefault(variable *Variable) StreamWriter {
	return func(stream *Stream, data []byte, countWritten *uint16) error {
		if stream.DataOffset == 0 {
			if err := variable.checkLimits(data); err != nil {
				return err
			}
		}
		variable.mu.Lock()
		defer variable.mu.Unlock()
		return copyIn(stream, data, countWritten)
	}
}

func copyOut(stream *Stream, data []byte, countRead *uint16) error {
	total := int(stream.DataLength)
	want := len(data)
	var err error

	start := 0
	toCopy := total
	if stream.DataOffset > 0 || toCopy > want {
		if int(stream.DataOffset) >= total {
			return ErrDevIncompat
		}
		start = int(stream.DataOffset)
		toCopy -= start
		if toCopy > want {
			toCopy = want
			stream.DataOffset += uint32(toCopy)
			err = ErrPartial
		} else {
			stream.DataOffset = 0
		}
	}
	copy(data, stream.Data[start:start+toCopy])
	*countRead = uint16(toCopy)
	return err
}

func copyIn(stream *Stream, data []byte, countWritten *uint16) error {
	total := int(stream.DataLength)
	want := len(data)
	var err error

	start := 0
	toCopy := total
	if stream.DataOffset > 0 || toCopy > want {
		if int(stream.DataOffset) >= total {
			return ErrDevIncompat
		}
		start = int(stream.DataOffset)
		toCopy -= start
		if toCopy > want {
			toCopy = want
			stream.DataOffset += uint32(toCopy)
			err = ErrPartial
		} else {
			stream.DataOffset = 0
		}
	}
	if toCopy < want || start+toCopy > len(stream.Data) {
		return ErrDataLong
	}
	copy(stream.Data[start:start+toCopy], data[:toCopy])
	*countWritten = uint16(toCopy)
	return err
}

func ReadEntryDisabled(stream *Stream, data []byte, countRead *uint16) error {
	return ErrUnsuppAccess
}

func WriteEntryDisabled(stream *Stream, data []byte, countWritten *uint16) error {
	return ErrUnsuppAccess
}
