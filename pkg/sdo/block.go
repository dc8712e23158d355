package sdo

import (
	"encoding/binary"

	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/pkg/od"
)

// startBlockDownload handles the block-download initiate request,
// negotiating CRC use and the server's preferred block size.
func (s *Server) startBlockDownload(frame canopen.Frame, index uint16, subIndex uint8) {
	entry, streamer, err := s.lookup(index, subIndex)
	if err != nil {
		s.abort(frame, err.(AbortCode))
		return
	}
	if !streamer.HasAttribute(od.AttributeSdoW) {
		s.abort(frame, AbortReadOnly)
		return
	}
	s.index = index
	s.subIndex = subIndex
	s.entry = entry
	s.streamer = streamer
	s.download = true
	s.bufOffset = 0
	s.seqno = 0
	s.crcEnabled = frame.Data[0]&0x04 != 0
	if frame.Data[0]&0x02 != 0 {
		s.sizeInd = binary.LittleEndian.Uint32(frame.Data[4:8])
	}
	s.blockCRC = 0
	// Advertise the buffer capacity divided by seven (bytes per segment)
	// rather than the protocol maximum, so a compliant client never sends
	// a sub-block this server's buffer cannot hold.
	blockSize := len(s.buffer) / 7
	if blockSize > BlockSizeMax {
		blockSize = BlockSizeMax
	} else if blockSize < 1 {
		blockSize = 1
	}
	s.blockSize = uint8(blockSize)
	s.state = stateDownloadBlock

	resp := canopen.NewFrame(s.txCobID, false, 8)
	resp.Data[0] = scsBlockDownload << 5
	if s.crcEnabled {
		resp.Data[0] |= 0x04
	}
	binary.LittleEndian.PutUint16(resp.Data[1:3], index)
	resp.Data[3] = subIndex
	resp.Data[4] = s.blockSize
	s.bm.Send(resp)
}

// handleBlockSegment accumulates one 7-byte sub-block segment. Sequence
// numbers are verified 1..blockSize; a gap (wrong seqno) is tolerated per
// go-back-N — the server does not advance seqno, and the sub-block ack
// carries the last good segment, so the client retransmits from there.
func (s *Server) handleBlockSegment(frame canopen.Frame) {
	// A genuine abort is byte 0x80 exactly (last flag set, seqno 0): no
	// legitimate segment ever has seqno 0, since the client's sequence
	// numbers start at 1, so this cannot collide with real segment data.
	if frame.Data[0] == abortCommandSpecifier {
		s.reset()
		return
	}
	seqno := frame.Data[0] & 0x7F
	last := frame.Data[0]&0x80 != 0

	expected := s.seqno + 1
	if seqno != expected {
		// Gap: drop segment, wait for the block to end so we can ack the
		// last contiguous good sequence number.
		if last || seqno == s.blockSize {
			s.ackSubBlock()
		}
		return
	}

	if s.bufOffset+7 > uint32(len(s.buffer)) {
		s.sendAbort(s.index, s.subIndex, AbortOutOfMem)
		s.reset()
		return
	}
	copy(s.buffer[s.bufOffset:], frame.Data[1:8])
	s.bufOffset += 7
	s.seqno = seqno

	if s.crcEnabled {
		s.blockCRC.Block(frame.Data[1:8])
	}

	if last || seqno == s.blockSize {
		s.ackSubBlock()
	}
	if last {
		s.state = stateDownloadBlockEnd
	}
}

func (s *Server) ackSubBlock() {
	resp := canopen.NewFrame(s.txCobID, false, 8)
	resp.Data[0] = scsBlockDownload << 5
	resp.Data[1] = s.seqno
	resp.Data[2] = s.blockSize
	s.bm.Send(resp)
	s.seqno = 0
}

// handleBlockEnd processes the block-download end request, carrying the
// number of valid bytes in the final segment and, if negotiated, the
// CRC over the whole transfer.
func (s *Server) handleBlockEnd(frame canopen.Frame) {
	if frame.Data[0] == abortCommandSpecifier {
		s.reset()
		return
	}
	unusedBytes := (frame.Data[0] >> 2) & 0x07
	total := s.bufOffset - uint32(unusedBytes)

	if s.crcEnabled {
		clientCRC := binary.LittleEndian.Uint16(frame.Data[1:3])
		if uint16(s.blockCRC) != clientCRC {
			s.sendAbort(s.index, s.subIndex, AbortCRC)
			s.reset()
			return
		}
	}

	if err := s.entry.WriteRaw(s.subIndex, s.buffer[:total]); err != nil {
		s.sendAbort(s.index, s.subIndex, ConvertOdToAbort(err))
		s.reset()
		return
	}

	resp := canopen.NewFrame(s.txCobID, false, 8)
	resp.Data[0] = scsBlockDownload<<5 | 0x01
	s.bm.Send(resp)
	s.reset()
}

// startBlockUpload reads the whole object into the local buffer (bounded
// by bufferSize) up front, then streams it out sub-block by sub-block as
// the client acks each window.
func (s *Server) startBlockUpload(frame canopen.Frame, index uint16, subIndex uint8) {
	entry, streamer, err := s.lookup(index, subIndex)
	if err != nil {
		s.abort(frame, err.(AbortCode))
		return
	}
	s.entry = entry
	s.streamer = streamer
	s.index = index
	s.subIndex = subIndex
	s.download = false
	s.crcEnabled = frame.Data[0]&0x04 != 0
	clientBlockSize := frame.Data[4]
	if clientBlockSize == 0 || clientBlockSize > BlockSizeMax {
		clientBlockSize = BlockSizeMax
	}
	s.blockSize = clientBlockSize

	n, _ := streamer.Read(s.buffer[:min(len(s.buffer), int(streamer.DataLength))])
	s.bufLen = uint32(n)
	s.bufOffset = 0
	s.blockCRC = 0
	if s.crcEnabled {
		s.blockCRC.Block(s.buffer[:s.bufLen])
	}
	s.state = stateUploadBlock

	resp := canopen.NewFrame(s.txCobID, false, 8)
	resp.Data[0] = (scsBlockUpload << 5) | 0x02 // size indicated
	if s.crcEnabled {
		resp.Data[0] |= 0x04
	}
	binary.LittleEndian.PutUint16(resp.Data[1:3], index)
	resp.Data[3] = subIndex
	binary.LittleEndian.PutUint32(resp.Data[4:8], s.bufLen)
	s.bm.Send(resp)
}

// handleUploadBlockAck is invoked both for the client's "start streaming"
// confirmation (ackseq/blksize both zero) and for each subsequent
// sub-block ack. ackseq is the last sequence number the client actually
// received; if it falls short of what was sent, the window is replayed
// from ackseq+1 (go-back-N) instead of advancing to the next sub-block.
func (s *Server) handleUploadBlockAck(frame canopen.Frame) {
	if frame.Data[0] == abortCommandSpecifier {
		s.reset()
		return
	}
	ackseq := frame.Data[1]
	if newSize := frame.Data[2]; newSize > 0 {
		s.blockSize = newSize
	}
	if ackseq < s.blockSegSent {
		s.bufOffset = s.subBlockStart + uint32(ackseq)*7
	}
	s.sendUploadSubBlock()
}

func (s *Server) sendUploadSubBlock() {
	s.subBlockStart = s.bufOffset
	s.blockSegSent = 0
	seq := uint8(0)
	for s.bufOffset < s.bufLen && seq < s.blockSize {
		seq++
		resp := canopen.NewFrame(s.txCobID, false, 8)
		n := s.bufLen - s.bufOffset
		last := n <= 7
		if !last {
			n = 7
		}
		resp.Data[0] = seq
		if last {
			resp.Data[0] |= 0x80
		}
		copy(resp.Data[1:1+n], s.buffer[s.bufOffset:s.bufOffset+n])
		s.bm.Send(resp)
		s.bufOffset += n
		s.blockSegSent = seq
		if last {
			s.state = stateUploadBlockEnd
			s.sendUploadEnd()
			return
		}
	}
}

func (s *Server) sendUploadEnd() {
	resp := canopen.NewFrame(s.txCobID, false, 8)
	unused := uint8((7 - s.bufLen%7) % 7)
	resp.Data[0] = (scsBlockUpload << 5) | 0x01 | (unused&0x07)<<2
	if s.crcEnabled {
		binary.LittleEndian.PutUint16(resp.Data[1:3], uint16(s.blockCRC))
	}
	s.bm.Send(resp)
	s.reset()
}
