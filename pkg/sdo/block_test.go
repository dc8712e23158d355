package sdo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/internal/crc"
)

// blockDownloadInitiate sends the block-download initiate request for
// index/subIndex carrying size bytes, with CRC negotiated per crcEnabled,
// and returns the server's response frame.
func blockDownloadInitiate(server *Server, bus *fakeBus, index uint16, subIndex uint8, size int, crcEnabled bool) canopen.Frame {
	req := canopen.NewFrame(ClientBaseID+0x10, false, 8)
	req.Data[0] = (ccsBlockDownload << 5) | 0x02 // size indicated
	if crcEnabled {
		req.Data[0] |= 0x04
	}
	req.Data[1] = byte(index)
	req.Data[2] = byte(index >> 8)
	req.Data[3] = subIndex
	req.Data[4] = byte(size)
	req.Data[5] = byte(size >> 8)
	req.Data[6] = byte(size >> 16)
	req.Data[7] = byte(size >> 24)
	server.Handle(req)
	return bus.last()
}

// sendBlockSegments streams payload to the server in 7-byte segments
// starting at sequence number 1, marking the last segment's high bit, and
// folding every byte into crc (unless crc is nil).
func sendBlockSegments(server *Server, payload []byte, crc16 *crc.CRC16) {
	seq := byte(1)
	for off := 0; off < len(payload); off += 7 {
		end := off + 7
		if end > len(payload) {
			end = len(payload)
		}
		seg := canopen.NewFrame(ClientBaseID+0x10, false, 8)
		last := end == len(payload)
		seg.Data[0] = seq
		if last {
			seg.Data[0] |= 0x80
		}
		copy(seg.Data[1:1+(end-off)], payload[off:end])
		if crc16 != nil {
			// The server folds the whole 7-byte segment body into the CRC,
			// zero-padding included, not just the valid bytes of a partial
			// final segment.
			crc16.Block(seg.Data[1:8])
		}
		server.Handle(seg)
		seq++
	}
}

func blockDownloadEnd(server *Server, payload []byte, crc16 crc.CRC16) {
	unused := uint8((7 - len(payload)%7) % 7)
	end := canopen.NewFrame(ClientBaseID+0x10, false, 8)
	end.Data[0] = (ccsBlockDownload<<5 | 0x01) | (unused&0x07)<<2
	end.Data[1] = byte(crc16)
	end.Data[2] = byte(crc16 >> 8)
	server.Handle(end)
}

func TestBlockDownloadNegotiatesBlockSizeFromBuffer(t *testing.T) {
	server, bus, _ := newTestServer(t)
	resp := blockDownloadInitiate(server, bus, 0x2001, 0, 42, true)
	assert.EqualValues(t, scsBlockDownload<<5|0x04, resp.Data[0])
	assert.EqualValues(t, 256/7, resp.Data[4]) // 256-byte buffer / 7 bytes per segment
}

// TestBlockDownload42Bytes exercises the literal boundary scenario: 42
// bytes is exactly 6 full 7-byte segments with no trailing partial
// segment, so unusedBytes in the end frame must be zero.
func TestBlockDownload42Bytes(t *testing.T) {
	server, bus, dict := newTestServer(t)
	payload := make([]byte, 42)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	blockDownloadInitiate(server, bus, 0x2001, 0, len(payload), true)

	var crc16 crc.CRC16
	sendBlockSegments(server, payload, &crc16)

	ack := bus.last()
	assert.EqualValues(t, scsBlockDownload<<5, ack.Data[0])
	assert.EqualValues(t, 6, ack.Data[1]) // 42/7 = 6 segments acked

	blockDownloadEnd(server, payload, crc16)

	endResp := bus.last()
	assert.EqualValues(t, scsBlockDownload<<5|0x01, endResp.Data[0])

	entry, _ := dict.Find(0x2001)
	got := make([]byte, len(payload))
	assert.Nil(t, entry.ReadExactly(0, got, true))
	assert.Equal(t, payload, got)
}

func TestBlockDownloadBoundarySizes(t *testing.T) {
	for _, size := range []int{7, 14, 21, 13, 15, 20, 22} {
		size := size
		t.Run("", func(t *testing.T) {
			server, bus, dict := newTestServer(t)
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i + 1)
			}

			blockDownloadInitiate(server, bus, 0x2001, 0, len(payload), true)
			var crc16 crc.CRC16
			sendBlockSegments(server, payload, &crc16)
			blockDownloadEnd(server, payload, crc16)

			endResp := bus.last()
			assert.EqualValues(t, scsBlockDownload<<5|0x01, endResp.Data[0])

			entry, _ := dict.Find(0x2001)
			got := make([]byte, len(payload))
			assert.Nil(t, entry.ReadExactly(0, got, true))
			assert.Equal(t, payload, got)
		})
	}
}

func TestBlockDownloadCRCMismatchAborts(t *testing.T) {
	server, bus, _ := newTestServer(t)
	payload := make([]byte, 14)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	blockDownloadInitiate(server, bus, 0x2001, 0, len(payload), true)
	var crc16 crc.CRC16
	sendBlockSegments(server, payload, &crc16)

	blockDownloadEnd(server, payload, crc16+1) // wrong CRC

	resp := bus.last()
	assert.EqualValues(t, abortCommandSpecifier, resp.Data[0])
	assert.EqualValues(t, uint32(AbortCRC), bytesToUint32(resp.Data[4:8]))
}

func TestBlockDownloadGapAcksLastGoodSegment(t *testing.T) {
	server, bus, _ := newTestServer(t)
	blockDownloadInitiate(server, bus, 0x2001, 0, 21, true)

	seg1 := canopen.NewFrame(ClientBaseID+0x10, false, 8)
	seg1.Data[0] = 1
	copy(seg1.Data[1:8], []byte{1, 2, 3, 4, 5, 6, 7})
	server.Handle(seg1)

	// Skip straight to sequence 3 (gap at 2), flagged as the last segment:
	// server must not advance past the last contiguous good segment, and
	// acks the block with that segment's sequence number.
	sentBefore := len(bus.sent)
	seg3 := canopen.NewFrame(ClientBaseID+0x10, false, 8)
	seg3.Data[0] = 0x80 | 3
	copy(seg3.Data[1:8], []byte{8, 9, 10, 11, 12, 13, 14})
	server.Handle(seg3)
	assert.Equal(t, sentBefore+1, len(bus.sent), "server acks the block after a sequence gap")
	ack := bus.last()
	assert.EqualValues(t, scsBlockDownload<<5, ack.Data[0])
	assert.EqualValues(t, 1, ack.Data[1], "ack carries the last contiguous good sequence number")
	assert.Equal(t, stateDownloadBlock, server.state)
}

func TestBlockDownloadAbortMidTransfer(t *testing.T) {
	server, bus, _ := newTestServer(t)
	blockDownloadInitiate(server, bus, 0x2001, 0, 21, true)

	seg1 := canopen.NewFrame(ClientBaseID+0x10, false, 8)
	seg1.Data[0] = 1
	copy(seg1.Data[1:8], []byte{1, 2, 3, 4, 5, 6, 7})
	server.Handle(seg1)

	abort := canopen.NewFrame(ClientBaseID+0x10, false, 8)
	abort.Data[0] = abortCommandSpecifier
	server.Handle(abort)

	assert.Equal(t, stateIdle, server.state)
}

func blockUploadInitiate(server *Server, bus *fakeBus, index uint16, subIndex uint8, clientBlockSize uint8, crcEnabled bool) canopen.Frame {
	req := canopen.NewFrame(ClientBaseID+0x10, false, 8)
	req.Data[0] = ccsBlockUpload << 5
	if crcEnabled {
		req.Data[0] |= 0x04
	}
	req.Data[1] = byte(index)
	req.Data[2] = byte(index >> 8)
	req.Data[3] = subIndex
	req.Data[4] = clientBlockSize
	server.Handle(req)
	return bus.last()
}

func TestBlockUpload42Bytes(t *testing.T) {
	server, bus, dict := newTestServer(t)
	payload := make([]byte, 42)
	for i := range payload {
		payload[i] = byte(0x50 + i)
	}
	entry, _ := dict.Find(0x2001)
	assert.Nil(t, entry.WriteRaw(0, payload))

	initResp := blockUploadInitiate(server, bus, 0x2001, 0, 10, true)
	assert.EqualValues(t, (scsBlockUpload<<5)|0x02|0x04, initResp.Data[0])
	assert.EqualValues(t, len(payload), bytesToUint32(initResp.Data[4:8]))

	// Start streaming: client's first ack carries ackseq=0, blksize=0.
	ack := canopen.NewFrame(ClientBaseID+0x10, false, 8)
	ack.Data[0] = (ccsBlockUpload << 5) | 0x03
	ack.Data[1] = 0
	ack.Data[2] = 0
	server.Handle(ack)

	// bus.sent[0] is the initiate response, [1:7] the six segments, [7]
	// the end frame sent automatically once the last segment goes out.
	segments := bus.sent[1:7]
	got := make([]byte, 0, len(payload))
	for i, f := range segments {
		last := i == 5
		got = append(got, f.Data[1:8]...)
		if last {
			assert.NotZero(t, f.Data[0]&0x80)
		} else {
			assert.Zero(t, f.Data[0]&0x80)
		}
		assert.EqualValues(t, i+1, f.Data[0]&0x7F)
	}
	assert.Equal(t, payload, got)

	endResp := bus.last()
	assert.EqualValues(t, (scsBlockUpload<<5)|0x01, endResp.Data[0])
	assert.Equal(t, stateIdle, server.state)
}

func TestBlockUploadGoBackNRetransmitsFromAckseq(t *testing.T) {
	server, bus, dict := newTestServer(t)
	// 28 bytes is 4 segments; a block size of 3 makes the first sub-block
	// stop one segment short of the end, so the go-back-N path and the
	// final-segment path are exercised by separate frames.
	payload := make([]byte, 28)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	entry, _ := dict.Find(0x2001)
	assert.Nil(t, entry.WriteRaw(0, payload))

	blockUploadInitiate(server, bus, 0x2001, 0, 3, false)

	startAck := canopen.NewFrame(ClientBaseID+0x10, false, 8)
	startAck.Data[0] = (ccsBlockUpload << 5) | 0x03
	server.Handle(startAck)

	firstRound := bus.sent[1:]
	assert.Equal(t, 3, len(firstRound), "sub-block of size 3 sends exactly 3 segments")
	for i, f := range firstRound {
		assert.EqualValues(t, i+1, f.Data[0]&0x7F)
		assert.Zero(t, f.Data[0]&0x80, "no segment in this sub-block is the transfer's last")
	}
	assert.Equal(t, stateUploadBlock, server.state)

	// Client only received segments 1 and 2 of the sub-block: ack seq=2.
	shortAck := canopen.NewFrame(ClientBaseID+0x10, false, 8)
	shortAck.Data[0] = (ccsBlockUpload << 5) | 0x02
	shortAck.Data[1] = 2
	shortAck.Data[2] = 3
	sentBefore := len(bus.sent)
	server.Handle(shortAck)

	resent := bus.sent[sentBefore:]
	assert.Equal(t, 3, len(resent), "segment 3 resent, final segment sent, then the end frame")
	assert.EqualValues(t, 1, resent[0].Data[0]&0x7F)
	assert.Equal(t, payload[14:21], resent[0].Data[1:8])
	assert.EqualValues(t, 2, resent[1].Data[0]&0x7F)
	assert.NotZero(t, resent[1].Data[0]&0x80, "final segment of the transfer")
	assert.Equal(t, payload[21:28], resent[1].Data[1:8])
	assert.EqualValues(t, (scsBlockUpload<<5)|0x01, resent[2].Data[0])
	assert.Equal(t, stateIdle, server.state)
}

func TestBlockUploadAbortMidTransfer(t *testing.T) {
	server, bus, dict := newTestServer(t)
	// Block size 3 against a 4-segment payload leaves the first sub-block
	// short of the transfer's end, so the server is still mid-transfer
	// (not already reset) when the abort arrives.
	payload := make([]byte, 28)
	entry, _ := dict.Find(0x2001)
	assert.Nil(t, entry.WriteRaw(0, payload))

	blockUploadInitiate(server, bus, 0x2001, 0, 3, false)
	startAck := canopen.NewFrame(ClientBaseID+0x10, false, 8)
	startAck.Data[0] = (ccsBlockUpload << 5) | 0x03
	server.Handle(startAck)
	assert.Equal(t, stateUploadBlock, server.state, "sub-block 1 of 2 sent, transfer must still be open")

	abort := canopen.NewFrame(ClientBaseID+0x10, false, 8)
	abort.Data[0] = abortCommandSpecifier
	server.Handle(abort)

	assert.Equal(t, stateIdle, server.state)
}

func TestReinitiateWhileActiveAbortsPriorTransfer(t *testing.T) {
	server, bus, dict := newTestServer(t)

	initReq := canopen.NewFrame(ClientBaseID+0x10, false, 8)
	initReq.Data[0] = (ccsInitiateDownload << 5) | 0x01
	initReq.Data[1] = 0x01
	initReq.Data[2] = 0x20
	initReq.Data[3] = 0x00
	initReq.Data[4] = 40
	server.Handle(initReq)
	assert.Equal(t, stateDownloadSegment, server.state)

	// A fresh expedited download for a different object arrives mid-transfer.
	fresh := canopen.NewFrame(ClientBaseID+0x10, false, 8)
	fresh.Data[0] = (ccsInitiateDownload << 5) | 0x02 | 0x01
	fresh.Data[1] = 0x00
	fresh.Data[2] = 0x20
	fresh.Data[3] = 0x00
	fresh.Data[4] = 0x01
	server.Handle(fresh)

	// The abort for the prior transfer must have been sent before the new
	// transfer's own initiate-download response.
	assert.GreaterOrEqual(t, len(bus.sent), 2)
	abortResp := bus.sent[len(bus.sent)-2]
	assert.EqualValues(t, abortCommandSpecifier, abortResp.Data[0])
	assert.EqualValues(t, uint32(AbortCmd), bytesToUint32(abortResp.Data[4:8]))

	freshResp := bus.last()
	assert.EqualValues(t, scsInitiateDownload<<5, freshResp.Data[0])

	entry, _ := dict.Find(0x2000)
	value, _ := entry.Uint32(0)
	assert.EqualValues(t, 1, value)
}
