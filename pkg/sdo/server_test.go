package sdo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/pkg/od"
)

type fakeBus struct {
	sent []canopen.Frame
}

func (b *fakeBus) Send(frame canopen.Frame) error {
	b.sent = append(b.sent, frame)
	return nil
}

func (b *fakeBus) last() canopen.Frame { return b.sent[len(b.sent)-1] }

func newTestServer(t *testing.T) (*Server, *fakeBus, *od.ObjectDictionary) {
	bus := &fakeBus{}
	bm := canopen.NewBusManager(bus, nil)
	dict := od.NewObjectDictionary(0x10)

	dict.AddVariableType(0x2000, "testUint32", od.NewVariableUint32(0, "value", od.AttributeSdoRw, 0))
	str := od.NewVariableDomain(0, "blob", od.AttributeSdoRw, 64)
	dict.AddVariableType(0x2001, "testDomain", str)
	dict.Finalize()

	server, err := NewServer(bm, dict, 0x10, 256, nil)
	assert.Nil(t, err)
	return server, bus, dict
}

func TestExpeditedDownload(t *testing.T) {
	server, bus, dict := newTestServer(t)

	req := canopen.NewFrame(ClientBaseID+0x10, false, 8)
	req.Data[0] = (ccsInitiateDownload << 5) | 0x02 | 0x01 // expedited, size indicated, 4 bytes
	req.Data[1] = 0x00
	req.Data[2] = 0x20
	req.Data[3] = 0x00
	req.Data[4] = 0xEF
	req.Data[5] = 0xBE
	req.Data[6] = 0xAD
	req.Data[7] = 0xDE

	server.Handle(req)

	resp := bus.last()
	assert.EqualValues(t, scsInitiateDownload<<5, resp.Data[0])

	entry, _ := dict.Find(0x2000)
	value, _ := entry.Uint32(0)
	assert.EqualValues(t, 0xDEADBEEF, value)
}

func TestSegmentedDownload(t *testing.T) {
	server, bus, dict := newTestServer(t)

	payload := []byte("a payload that needs more than four bytes to carry")

	initReq := canopen.NewFrame(ClientBaseID+0x10, false, 8)
	initReq.Data[0] = (ccsInitiateDownload << 5) | 0x01 // not expedited, size indicated
	initReq.Data[1] = 0x01
	initReq.Data[2] = 0x20
	initReq.Data[3] = 0x00
	initReq.Data[4] = byte(len(payload))
	server.Handle(initReq)
	assert.EqualValues(t, scsInitiateDownload<<5, bus.last().Data[0])

	toggle := byte(0)
	offset := 0
	for offset < len(payload) {
		n := len(payload) - offset
		if n > 7 {
			n = 7
		}
		last := offset+n == len(payload)

		seg := canopen.NewFrame(ClientBaseID+0x10, false, 8)
		seg.Data[0] = toggle | byte((7-n)&0x07)<<1
		if last {
			seg.Data[0] |= 0x01
		}
		copy(seg.Data[1:1+n], payload[offset:offset+n])
		server.Handle(seg)

		resp := bus.last()
		assert.False(t, resp.Data[0]&0x80 != 0, "server must not abort mid-transfer")
		assert.Equal(t, toggle, resp.Data[0]&0x10)

		toggle ^= 0x10
		offset += n
	}

	entry, _ := dict.Find(0x2001)
	value, err := entry.SubIndex(0)
	assert.Nil(t, err)
	assert.Equal(t, payload, []byte(func() []byte {
		b := make([]byte, value.DataLength())
		_ = entry.ReadExactly(0, b, true)
		return b
	}()))
}

func TestExpeditedUpload(t *testing.T) {
	server, bus, dict := newTestServer(t)
	entry, _ := dict.Find(0x2000)
	assert.Nil(t, entry.PutUint32(0, 0x12345678, true))

	req := canopen.NewFrame(ClientBaseID+0x10, false, 8)
	req.Data[0] = ccsInitiateUpload << 5
	req.Data[1] = 0x00
	req.Data[2] = 0x20
	req.Data[3] = 0x00
	server.Handle(req)

	resp := bus.last()
	assert.EqualValues(t, scsInitiateUpload<<5|0x03, resp.Data[0])
	assert.EqualValues(t, 0x78, resp.Data[4])
	assert.EqualValues(t, 0x56, resp.Data[5])
	assert.EqualValues(t, 0x34, resp.Data[6])
	assert.EqualValues(t, 0x12, resp.Data[7])
}

func TestServerTimeout(t *testing.T) {
	server, bus, _ := newTestServer(t)

	initReq := canopen.NewFrame(ClientBaseID+0x10, false, 8)
	initReq.Data[0] = (ccsInitiateDownload << 5) | 0x01
	initReq.Data[1] = 0x01
	initReq.Data[2] = 0x20
	initReq.Data[3] = 0x00
	initReq.Data[4] = 40
	server.Handle(initReq)

	server.Service(DefaultServerTimeoutUs + 1)

	resp := bus.last()
	assert.EqualValues(t, abortCommandSpecifier, resp.Data[0])
	assert.EqualValues(t, uint32(AbortTimeout), bytesToUint32(resp.Data[4:8]))
}

func bytesToUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
