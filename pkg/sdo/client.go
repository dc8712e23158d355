package sdo

import (
	"encoding/binary"
	"errors"
	"log/slog"

	canopen "github.com/cankit/cocore"
)

// ErrClientBusy is returned by RequestDownload/RequestUpload when a
// transfer is already in flight on this client slot: per spec.md §4.4,
// only one transfer per client is ever outstanding.
var ErrClientBusy = errors.New("sdo: client transfer already in progress")

// CompletionFunc is invoked exactly once when a request finishes,
// successfully or not, per spec.md §4.4's "cb(csdo, abort-code)" where an
// abort code of 0 indicates success.
type CompletionFunc func(c *Client, abortCode AbortCode)

type clientState uint8

const (
	clientIdle clientState = iota
	clientDownloadInitiateWait
	clientDownloadSegmentWait
	clientUploadInitiateWait
	clientUploadSegmentWait
)

// Client implements the SDO client side of expedited and segmented
// transfer, targeting a remote server's (receive, transmit) CAN
// identifier pair. Requests are asynchronous: RequestDownload/
// RequestUpload return immediately and completion is delivered via the
// caller's CompletionFunc from a later Handle or Service call. Block
// transfer is not implemented client-side — see DESIGN.md.
type Client struct {
	bm        *canopen.BusManager
	cancel    func()
	log       *slog.Logger
	txCobID   uint32
	rxCobID   uint32
	timeoutUs uint32
	elapsedUs uint32

	state  clientState
	index  uint16
	subIdx uint8
	cb     CompletionFunc
	toggle uint8

	// download: caller's source bytes, consumed left to right
	src    []byte
	srcOff uint32

	// upload: caller's destination buffer, filled left to right
	dst      []byte
	dstOff   uint32
	sizeInd  uint32
	haveSize bool
}

// NewClient creates a client targeting the SDO server of nodeID.
func NewClient(bm *canopen.BusManager, nodeID uint8, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		bm:        bm,
		txCobID:   ClientBaseID + uint32(nodeID),
		rxCobID:   ServerBaseID + uint32(nodeID),
		timeoutUs: DefaultClientTimeoutUs,
		log:       log.With("service", "sdo-client"),
	}
	cancel, err := bm.Subscribe(c.rxCobID, false, c)
	if err != nil {
		return nil, err
	}
	c.cancel = cancel
	return c, nil
}

func (c *Client) beginRequest(index uint16, subIndex uint8, cb CompletionFunc, timeoutMs uint32) {
	c.index = index
	c.subIdx = subIndex
	c.cb = cb
	c.toggle = 0
	c.elapsedUs = 0
	if timeoutMs > 0 {
		c.timeoutUs = timeoutMs * 1000
	}
}

// RequestDownload writes data to (index, subIndex) on the server,
// choosing expedited or segmented transfer by length. Completion — the
// write having landed or failed — arrives via cb. Returns ErrClientBusy
// if a transfer is already in flight.
func (c *Client) RequestDownload(index uint16, subIndex uint8, data []byte, cb CompletionFunc, timeoutMs uint32) error {
	if c.state != clientIdle {
		return ErrClientBusy
	}
	c.beginRequest(index, subIndex, cb, timeoutMs)
	c.src = data
	c.srcOff = 0

	frame := canopen.NewFrame(c.txCobID, false, 8)
	frame.Data[0] = ccsInitiateDownload << 5
	binary.LittleEndian.PutUint16(frame.Data[1:3], index)
	frame.Data[3] = subIndex

	if len(data) <= 4 {
		frame.Data[0] |= 0x02 | 0x01 | byte((4-len(data))&0x03)<<2
		copy(frame.Data[4:4+len(data)], data)
	} else {
		frame.Data[0] |= 0x01
		binary.LittleEndian.PutUint32(frame.Data[4:8], uint32(len(data)))
	}
	c.state = clientDownloadInitiateWait
	return c.bm.Send(frame)
}

// RequestUpload reads (index, subIndex) from the server into buf,
// completing via cb once finished. Verifies that any size the server
// indicates fits within len(buf), aborting AbortDataLong otherwise.
// Returns ErrClientBusy if a transfer is already in flight.
func (c *Client) RequestUpload(index uint16, subIndex uint8, buf []byte, cb CompletionFunc, timeoutMs uint32) error {
	if c.state != clientIdle {
		return ErrClientBusy
	}
	c.beginRequest(index, subIndex, cb, timeoutMs)
	c.dst = buf
	c.dstOff = 0
	c.sizeInd = 0
	c.haveSize = false

	frame := canopen.NewFrame(c.txCobID, false, 8)
	frame.Data[0] = ccsInitiateUpload << 5
	binary.LittleEndian.PutUint16(frame.Data[1:3], index)
	frame.Data[3] = subIndex
	c.state = clientUploadInitiateWait
	return c.bm.Send(frame)
}

// UploadedLen reports how many bytes of buf were filled by the most
// recent upload, valid once its CompletionFunc has been called.
func (c *Client) UploadedLen() int { return int(c.dstOff) }

// Handle processes one SDO server response frame.
func (c *Client) Handle(frame canopen.Frame) {
	if c.state == clientIdle || frame.DLC != 8 {
		return
	}
	if frame.Data[0] == abortCommandSpecifier {
		c.finish(AbortCode(binary.LittleEndian.Uint32(frame.Data[4:8])))
		return
	}

	switch c.state {
	case clientDownloadInitiateWait:
		c.handleDownloadInitiateResponse(frame)
	case clientDownloadSegmentWait:
		c.handleDownloadSegmentResponse(frame)
	case clientUploadInitiateWait:
		c.handleUploadInitiateResponse(frame)
	case clientUploadSegmentWait:
		c.handleUploadSegmentResponse(frame)
	}
}

func (c *Client) handleDownloadInitiateResponse(frame canopen.Frame) {
	if frame.Data[0]>>5 != scsInitiateDownload {
		c.finish(AbortCmd)
		return
	}
	if len(c.src) <= 4 {
		c.finish(0)
		return
	}
	c.elapsedUs = 0
	c.sendDownloadSegment()
}

func (c *Client) sendDownloadSegment() {
	remaining := uint32(len(c.src)) - c.srcOff
	n := remaining
	if n > 7 {
		n = 7
	}
	last := remaining <= 7

	frame := canopen.NewFrame(c.txCobID, false, 8)
	frame.Data[0] = (ccsDownloadSegment << 5) | c.toggle | byte((7-n)&0x07)<<1
	if last {
		frame.Data[0] |= 0x01
	}
	copy(frame.Data[1:1+n], c.src[c.srcOff:c.srcOff+n])
	c.srcOff += n
	c.state = clientDownloadSegmentWait
	c.bm.Send(frame)
}

func (c *Client) handleDownloadSegmentResponse(frame canopen.Frame) {
	if frame.Data[0]>>5 != scsDownloadSegment {
		c.finish(AbortCmd)
		return
	}
	toggle := frame.Data[0] & 0x10
	if toggle != c.toggle {
		c.finish(AbortToggleBit)
		return
	}
	c.toggle ^= 0x10
	if c.srcOff >= uint32(len(c.src)) {
		c.finish(0)
		return
	}
	c.elapsedUs = 0
	c.sendDownloadSegment()
}

func (c *Client) handleUploadInitiateResponse(frame canopen.Frame) {
	if frame.Data[0]>>5 != scsInitiateUpload {
		c.finish(AbortCmd)
		return
	}
	index := binary.LittleEndian.Uint16(frame.Data[1:3])
	if index != c.index || frame.Data[3] != c.subIdx {
		c.finish(AbortParamIncompat)
		return
	}

	if frame.Data[0]&0x02 != 0 {
		// Expedited.
		n := uint32(4)
		if frame.Data[0]&0x01 != 0 {
			n -= uint32((frame.Data[0] >> 2) & 0x03)
		}
		if n > uint32(len(c.dst)) {
			c.finish(AbortDataLong)
			return
		}
		copy(c.dst[:n], frame.Data[4:4+n])
		c.dstOff = n
		c.finish(0)
		return
	}

	// Segmented: the size, if indicated, must fit the caller's buffer.
	if frame.Data[0]&0x01 != 0 {
		c.sizeInd = binary.LittleEndian.Uint32(frame.Data[4:8])
		c.haveSize = true
		if c.sizeInd > uint32(len(c.dst)) {
			c.finish(AbortDataLong)
			return
		}
	}
	c.elapsedUs = 0
	c.sendUploadSegmentRequest()
}

func (c *Client) sendUploadSegmentRequest() {
	frame := canopen.NewFrame(c.txCobID, false, 8)
	frame.Data[0] = (ccsUploadSegment << 5) | c.toggle
	c.state = clientUploadSegmentWait
	c.bm.Send(frame)
}

func (c *Client) handleUploadSegmentResponse(frame canopen.Frame) {
	if frame.Data[0]>>5 != scsUploadSegment {
		c.finish(AbortCmd)
		return
	}
	toggle := frame.Data[0] & 0x10
	if toggle != c.toggle {
		c.finish(AbortToggleBit)
		return
	}
	c.toggle ^= 0x10

	n := uint32(7 - (frame.Data[0]>>1)&0x07)
	if c.dstOff+n > uint32(len(c.dst)) {
		c.finish(AbortOutOfMem)
		return
	}
	copy(c.dst[c.dstOff:c.dstOff+n], frame.Data[1:1+n])
	c.dstOff += n

	if frame.Data[0]&0x01 != 0 {
		if c.haveSize && c.dstOff != c.sizeInd {
			if c.dstOff < c.sizeInd {
				c.finish(AbortDataShort)
			} else {
				c.finish(AbortDataLong)
			}
			return
		}
		c.finish(0)
		return
	}
	c.elapsedUs = 0
	c.sendUploadSegmentRequest()
}

func (c *Client) finish(code AbortCode) {
	cb := c.cb
	c.state = clientIdle
	c.cb = nil
	if cb != nil {
		cb(c, code)
	}
}

func (c *Client) sendAbort(code AbortCode) {
	frame := canopen.NewFrame(c.txCobID, false, 8)
	frame.Data[0] = abortCommandSpecifier
	binary.LittleEndian.PutUint16(frame.Data[1:3], c.index)
	frame.Data[3] = c.subIdx
	binary.LittleEndian.PutUint32(frame.Data[4:8], uint32(code))
	c.bm.Send(frame)
}

// Service advances the client timeout clock, failing the in-flight
// transfer with AbortTimeout — and notifying the server — if it never
// responds in time.
func (c *Client) Service(elapsedUs uint32) {
	if c.state == clientIdle {
		return
	}
	c.elapsedUs += elapsedUs
	if c.elapsedUs >= c.timeoutUs {
		c.log.Warn("sdo client transfer timed out", "index", c.index, "subindex", c.subIdx)
		c.sendAbort(AbortTimeout)
		c.finish(AbortTimeout)
	}
}
