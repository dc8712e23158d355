package sdo

import (
	"encoding/binary"
	"log/slog"

	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/internal/crc"
	"github.com/cankit/cocore/pkg/od"
)

type serverState uint8

const (
	stateIdle serverState = iota
	stateDownloadSegment
	stateUploadSegment
	stateDownloadBlock
	stateDownloadBlockEnd
	stateUploadBlock
	stateUploadBlockEnd
)

// Server implements one SDO server slot: a (receive, transmit) CAN
// identifier pair fixed at construction as 0x600+node-id / 0x580+node-id;
// the SDO server parameter entry (0x1200) is not read. Exactly one transfer is active
// at a time per slot, held in a fixed-size buffer sized at construction.
type Server struct {
	bm         *canopen.BusManager
	dict       *od.ObjectDictionary
	log        *slog.Logger
	cancel     func()
	rxCobID    uint32
	txCobID    uint32
	nodeID     uint8
	timeoutUs  uint32
	elapsedUs  uint32

	state      serverState
	entry      *od.Entry
	streamer   *od.Streamer
	index      uint16
	subIndex   uint8
	buffer     []byte
	bufLen     uint32
	bufOffset  uint32
	sizeInd    uint32
	toggle     uint8
	download   bool
	crcEnabled bool
	blockCRC   crc.CRC16
	blockSize  uint8
	seqno      uint8

	// block upload go-back-N bookkeeping: the offset the current outgoing
	// sub-block started at, and how many segments of it were actually sent,
	// so a short ack can rewind and resend instead of skipping ahead.
	subBlockStart uint32
	blockSegSent  uint8
}

// NewServer creates a server slot bound to node-id nodeID with a transfer
// buffer able to hold up to bufferSize bytes of segmented/block payload.
func NewServer(bm *canopen.BusManager, dict *od.ObjectDictionary, nodeID uint8, bufferSize int, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		bm:        bm,
		dict:      dict,
		nodeID:    nodeID,
		rxCobID:   ClientBaseID + uint32(nodeID),
		txCobID:   ServerBaseID + uint32(nodeID),
		timeoutUs: DefaultServerTimeoutUs,
		buffer:    make([]byte, bufferSize),
		log:       log.With("service", "sdo-server"),
	}
	cancel, err := bm.Subscribe(s.rxCobID, false, s)
	if err != nil {
		return nil, err
	}
	s.cancel = cancel
	return s, nil
}

// Handle processes one SDO client request frame.
func (s *Server) Handle(frame canopen.Frame) {
	if frame.DLC != 8 {
		return
	}
	cs := frame.Data[0] >> 5

	// A fresh initiate frame arriving while a transfer is already active on
	// this slot aborts the prior transfer and starts the new one, rather
	// than being misrouted to the current state's segment/block handler.
	// stateDownloadBlock is excluded: its frames carry a raw sequence
	// number in the same bits an initiate command specifier would occupy,
	// so a command-class byte can't be told apart from segment data there;
	// a stuck block-download transfer is instead recovered by Service's
	// timeout.
	if s.state != stateIdle && s.state != stateDownloadBlock && isInitiateFrame(frame) {
		s.sendAbort(s.index, s.subIndex, AbortCmd)
		s.reset()
		s.handleInitiate(frame, cs)
		s.elapsedUs = 0
		return
	}

	switch s.state {
	case stateIdle:
		s.handleInitiate(frame, cs)
	case stateDownloadSegment:
		s.handleDownloadSegment(frame)
	case stateUploadSegment:
		s.handleUploadSegmentRequest(frame)
	case stateDownloadBlock:
		s.handleBlockSegment(frame)
	case stateDownloadBlockEnd:
		s.handleBlockEnd(frame)
	case stateUploadBlock:
		s.handleUploadBlockAck(frame)
	default:
		s.abort(frame, AbortCmd)
	}
	s.elapsedUs = 0
}

// isInitiateFrame reports whether frame carries a fresh initiate-download,
// initiate-upload, or block-initiate command specifier. For the block
// command classes, the low two bits ("sub-command") must also be zero:
// block-download-end and every block-upload ack reuse the same top three
// bits with a non-zero sub-command, and must not be mistaken for a new
// initiate.
func isInitiateFrame(frame canopen.Frame) bool {
	switch frame.Data[0] >> 5 {
	case ccsInitiateDownload, ccsInitiateUpload:
		return true
	case ccsBlockDownload, ccsBlockUpload:
		return frame.Data[0]&0x03 == 0
	default:
		return false
	}
}

// Service advances the server's timeout clock by elapsedUs microseconds,
// aborting any transfer in progress that has exceeded the server timeout.
func (s *Server) Service(elapsedUs uint32) {
	if s.state == stateIdle {
		return
	}
	s.elapsedUs += elapsedUs
	if s.elapsedUs >= s.timeoutUs {
		s.log.Warn("sdo server transfer timed out", "index", s.index, "subindex", s.subIndex)
		s.sendAbort(s.index, s.subIndex, AbortTimeout)
		s.reset()
	}
}

func (s *Server) reset() {
	s.state = stateIdle
	s.streamer = nil
	s.bufOffset = 0
	s.elapsedUs = 0
	s.subBlockStart = 0
	s.blockSegSent = 0
}

func (s *Server) handleInitiate(frame canopen.Frame, cs byte) {
	index := binary.LittleEndian.Uint16(frame.Data[1:3])
	subIndex := frame.Data[3]

	switch cs {
	case ccsInitiateDownload:
		s.startDownload(frame, index, subIndex)
	case ccsInitiateUpload:
		s.startUpload(frame, index, subIndex)
	case ccsBlockDownload:
		s.startBlockDownload(frame, index, subIndex)
	case ccsBlockUpload:
		s.startBlockUpload(frame, index, subIndex)
	case abortCommandSpecifier >> 5:
		// client aborted, nothing to reply
	default:
		s.abort(frame, AbortCmd)
	}
}

func (s *Server) lookup(index uint16, subIndex uint8) (*od.Entry, *od.Streamer, error) {
	entry, err := s.dict.Find(index)
	if err != nil {
		return nil, nil, AbortNotExist
	}
	streamer, err := od.NewStreamer(entry, subIndex, false)
	if err != nil {
		return entry, nil, ConvertOdToAbort(err)
	}
	return entry, streamer, nil
}

func (s *Server) startDownload(frame canopen.Frame, index uint16, subIndex uint8) {
	entry, streamer, err := s.lookup(index, subIndex)
	if err != nil {
		s.abort(frame, err.(AbortCode))
		return
	}
	if !streamer.HasAttribute(od.AttributeSdoW) {
		s.abort(frame, AbortReadOnly)
		return
	}

	expedited := frame.Data[0]&0x02 != 0
	sizeIndicated := frame.Data[0]&0x01 != 0

	if expedited {
		n := uint32(4)
		if sizeIndicated {
			n -= uint32((frame.Data[0] >> 2) & 0x03)
		}
		if n > streamer.DataLength {
			s.abort(frame, AbortDataLong)
			return
		}
		if _, err := streamer.Write(frame.Data[4 : 4+n]); err != nil {
			s.abort(frame, ConvertOdToAbort(err))
			return
		}
		s.replyDownloadInitiate(index, subIndex)
		return
	}

	s.index = index
	s.subIndex = subIndex
	s.entry = entry
	s.streamer = streamer
	s.download = true
	s.bufOffset = 0
	s.toggle = 0
	if sizeIndicated {
		s.sizeInd = binary.LittleEndian.Uint32(frame.Data[4:8])
	}
	s.state = stateDownloadSegment
	s.replyDownloadInitiate(index, subIndex)
}

func (s *Server) replyDownloadInitiate(index uint16, subIndex uint8) {
	resp := canopen.NewFrame(s.txCobID, false, 8)
	resp.Data[0] = scsInitiateDownload << 5
	binary.LittleEndian.PutUint16(resp.Data[1:3], index)
	resp.Data[3] = subIndex
	s.bm.Send(resp)
}

func (s *Server) handleDownloadSegment(frame canopen.Frame) {
	if frame.Data[0] == abortCommandSpecifier {
		s.reset()
		return
	}
	toggle := frame.Data[0] & 0x10
	if toggle != s.toggle {
		s.sendAbort(s.index, s.subIndex, AbortToggleBit)
		s.reset()
		return
	}
	last := frame.Data[0]&0x01 != 0
	n := 7 - ((frame.Data[0] >> 1) & 0x07)

	if s.bufOffset+uint32(n) > uint32(len(s.buffer)) {
		s.sendAbort(s.index, s.subIndex, AbortOutOfMem)
		s.reset()
		return
	}
	copy(s.buffer[s.bufOffset:], frame.Data[1:1+n])
	s.bufOffset += uint32(n)

	if last {
		if err := s.entry.WriteRaw(s.subIndex, s.buffer[:s.bufOffset]); err != nil {
			s.sendAbort(s.index, s.subIndex, ConvertOdToAbort(err))
			s.reset()
			return
		}
		s.reset()
	}

	resp := canopen.NewFrame(s.txCobID, false, 8)
	resp.Data[0] = (scsDownloadSegment << 5) | toggle
	s.bm.Send(resp)
	s.toggle ^= 0x10
}

func (s *Server) startUpload(frame canopen.Frame, index uint16, subIndex uint8) {
	_, streamer, err := s.lookup(index, subIndex)
	if err != nil {
		s.abort(frame, err.(AbortCode))
		return
	}
	if !streamer.HasAttribute(od.AttributeSdoR) {
		s.abort(frame, AbortWriteOnly)
		return
	}

	length := streamer.DataLength
	resp := canopen.NewFrame(s.txCobID, false, 8)
	binary.LittleEndian.PutUint16(resp.Data[1:3], index)
	resp.Data[3] = subIndex

	if length <= 4 {
		n, _ := streamer.Read(resp.Data[4:8])
		resp.Data[0] = (scsInitiateUpload << 5) | 0x02 | 0x01 | byte((4-n)&0x03)<<2
		s.bm.Send(resp)
		return
	}

	s.index = index
	s.subIndex = subIndex
	s.streamer = streamer
	s.download = false
	s.bufOffset = 0
	s.toggle = 0
	n, _ := streamer.Read(s.buffer[:min(len(s.buffer), int(length))])
	s.bufLen = uint32(n)
	s.state = stateUploadSegment

	resp.Data[0] = (scsInitiateUpload << 5) | 0x01
	binary.LittleEndian.PutUint32(resp.Data[4:8], length)
	s.bm.Send(resp)
}

func (s *Server) handleUploadSegmentRequest(frame canopen.Frame) {
	if frame.Data[0] == abortCommandSpecifier {
		s.reset()
		return
	}
	toggle := frame.Data[0] & 0x10
	if toggle != s.toggle {
		s.sendAbort(s.index, s.subIndex, AbortToggleBit)
		s.reset()
		return
	}
	remaining := s.bufLen - s.bufOffset
	n := remaining
	if n > 7 {
		n = 7
	}
	last := remaining <= 7

	resp := canopen.NewFrame(s.txCobID, false, 8)
	resp.Data[0] = (scsUploadSegment << 5) | toggle | byte((7-n)&0x07)<<1
	if last {
		resp.Data[0] |= 0x01
	}
	copy(resp.Data[1:1+n], s.buffer[s.bufOffset:s.bufOffset+n])
	s.bm.Send(resp)
	s.bufOffset += n
	s.toggle ^= 0x10

	if last {
		s.reset()
	}
}

func (s *Server) abort(frame canopen.Frame, code AbortCode) {
	index := binary.LittleEndian.Uint16(frame.Data[1:3])
	subIndex := frame.Data[3]
	s.sendAbort(index, subIndex, code)
}

func (s *Server) sendAbort(index uint16, subIndex uint8, code AbortCode) {
	resp := canopen.NewFrame(s.txCobID, false, 8)
	resp.Data[0] = abortCommandSpecifier
	binary.LittleEndian.PutUint16(resp.Data[1:3], index)
	resp.Data[3] = subIndex
	binary.LittleEndian.PutUint32(resp.Data[4:8], uint32(code))
	s.bm.Send(resp)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
