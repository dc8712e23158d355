package lss

import (
	"encoding/binary"
	"testing"

	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/pkg/od"
	"github.com/stretchr/testify/assert"
)

type recordingBus struct {
	sent []canopen.Frame
}

func (b *recordingBus) Send(frame canopen.Frame) error {
	b.sent = append(b.sent, frame)
	return nil
}

func newTestSlave(t *testing.T) (*LSSSlave, *recordingBus) {
	t.Helper()
	dict := od.NewObjectDictionary(0x10)
	identity := dict.AddVariableList(0x1018, "identity object", od.NewRecord(
		od.NewVariableUint8(0, "highest sub-index", od.AttributeSdoR, 4),
		od.NewVariableUint32(1, "vendor id", od.AttributeSdoR, 0x100),
		od.NewVariableUint32(2, "product code", od.AttributeSdoR, 0x200),
		od.NewVariableUint32(3, "revision number", od.AttributeSdoR, 0x300),
		od.NewVariableUint32(4, "serial number", od.AttributeSdoR, 0x400),
	))
	dict.Finalize()

	bus := &recordingBus{}
	bm := canopen.NewBusManager(bus, nil)
	var changed uint8
	slave, err := NewLSSSlave(bm, nil, identity, 0x10, func(n uint8) { changed = n })
	assert.Nil(t, err)
	_ = changed
	return slave, bus
}

func fastscanFrame(idValue uint32, bitCheck, lssSub, lssNext uint8) canopen.Frame {
	frame := canopen.NewFrame(ServiceSlaveId, false, 8)
	frame.Data[0] = byte(CmdFastscan)
	binary.LittleEndian.PutUint32(frame.Data[1:5], idValue)
	frame.Data[5] = bitCheck
	frame.Data[6] = lssSub
	frame.Data[7] = lssNext
	return frame
}

func TestLSSSlaveStartsInWaiting(t *testing.T) {
	slave, _ := newTestSlave(t)
	assert.Equal(t, StateWaiting, slave.GetState())
}

func TestLSSSlaveGlobalSwitch(t *testing.T) {
	slave, _ := newTestSlave(t)
	frame := canopen.NewFrame(ServiceSlaveId, false, 8)
	frame.Data[0] = byte(CmdSwitchStateGlobal)
	frame.Data[1] = byte(ModeConfiguration)
	slave.Handle(frame)
	assert.Equal(t, StateConfiguration, slave.GetState())
}

func TestLSSSlaveSelectiveSwitchMatch(t *testing.T) {
	slave, bus := newTestSlave(t)

	send := func(cmd LSSCommand, value uint32) {
		frame := canopen.NewFrame(ServiceSlaveId, false, 8)
		frame.Data[0] = byte(cmd)
		binary.LittleEndian.PutUint32(frame.Data[1:5], value)
		slave.Handle(frame)
	}
	send(CmdSwitchStateSelectiveVendor, 0x100)
	send(CmdSwitchStateSelectiveProduct, 0x200)
	send(CmdSwitchStateSelectiveRevision, 0x300)
	send(CmdSwitchStateSelectiveSerialNb, 0x400)

	assert.Equal(t, StateConfiguration, slave.GetState())
	assert.Len(t, bus.sent, 1)
	assert.EqualValues(t, CmdSwitchStateSelectiveResult, bus.sent[0].Data[0])
}

func TestLSSSlaveSelectiveSwitchMismatch(t *testing.T) {
	slave, bus := newTestSlave(t)

	frame := canopen.NewFrame(ServiceSlaveId, false, 8)
	frame.Data[0] = byte(CmdSwitchStateSelectiveVendor)
	binary.LittleEndian.PutUint32(frame.Data[1:5], 0x999)
	slave.Handle(frame)

	frame.Data[0] = byte(CmdSwitchStateSelectiveSerialNb)
	binary.LittleEndian.PutUint32(frame.Data[1:5], 0x400)
	slave.Handle(frame)

	assert.Equal(t, StateWaiting, slave.GetState())
	assert.Len(t, bus.sent, 0)
}

func TestLSSSlaveFastscanSingleBitMatch(t *testing.T) {
	slave, bus := newTestSlave(t)

	// vendor id is 0x100; a match on bit 8 (the lowest set bit) should
	// respond without changing state (lssSub != lssNext).
	slave.Handle(fastscanFrame(0x100, 8, 0, 1))
	assert.Len(t, bus.sent, 1)
	assert.EqualValues(t, CmdFastscanResponse, bus.sent[0].Data[0])
	assert.Equal(t, StateWaiting, slave.GetState())
}

func TestLSSSlaveFastscanNoMatchIsSilent(t *testing.T) {
	slave, bus := newTestSlave(t)
	slave.Handle(fastscanFrame(0x999, 128, 0, 0))
	assert.Len(t, bus.sent, 0)
}

func TestLSSSlaveFastscanOutOfRangeBitCheckIsSilent(t *testing.T) {
	slave, bus := newTestSlave(t)
	slave.Handle(fastscanFrame(0x100, 64, 0, 0))
	assert.Len(t, bus.sent, 0)
}

func TestLSSSlaveFastscanFullMatchCompletesIdentification(t *testing.T) {
	slave, bus := newTestSlave(t)

	// Walk all four identity fields with a full 32-bit match, finishing on
	// serial number (idNumber 3) with lssSub == lssNext to signal the end
	// of the scan.
	slave.Handle(fastscanFrame(0x100, fastscanBitCheckFull, 0, 1))
	slave.Handle(fastscanFrame(0x200, fastscanBitCheckFull, 1, 2))
	slave.Handle(fastscanFrame(0x300, fastscanBitCheckFull, 2, 3))
	slave.Handle(fastscanFrame(0x400, fastscanBitCheckFull, 3, 3))

	assert.Len(t, bus.sent, 4)
	for _, frame := range bus.sent {
		assert.EqualValues(t, CmdFastscanResponse, frame.Data[0])
	}
	assert.Equal(t, StateConfiguration, slave.GetState())
}

func TestLSSSlaveConfigureNodeId(t *testing.T) {
	slave, bus := newTestSlave(t)
	slave.state = StateConfiguration

	frame := canopen.NewFrame(ServiceSlaveId, false, 8)
	frame.Data[0] = byte(CmdConfigureNodeId)
	frame.Data[1] = 0x21
	slave.Handle(frame)

	assert.Len(t, bus.sent, 1)
	assert.EqualValues(t, CmdConfigureNodeId, bus.sent[0].Data[0])
	assert.EqualValues(t, ConfigNodeIdOk, bus.sent[0].Data[1])
	assert.EqualValues(t, 0x21, slave.activeNodeId)
}

func TestLSSSlaveConfigureNodeIdOutOfRange(t *testing.T) {
	slave, bus := newTestSlave(t)
	slave.state = StateConfiguration

	frame := canopen.NewFrame(ServiceSlaveId, false, 8)
	frame.Data[0] = byte(CmdConfigureNodeId)
	frame.Data[1] = 0x80
	slave.Handle(frame)

	assert.Len(t, bus.sent, 1)
	assert.EqualValues(t, ConfigNodeIdOutOfRange, bus.sent[0].Data[1])
}

func TestLSSSlaveConfigurationIgnoredWhileWaiting(t *testing.T) {
	slave, bus := newTestSlave(t)

	frame := canopen.NewFrame(ServiceSlaveId, false, 8)
	frame.Data[0] = byte(CmdConfigureNodeId)
	frame.Data[1] = 0x21
	slave.Handle(frame)

	assert.Len(t, bus.sent, 0)
	assert.Equal(t, StateWaiting, slave.GetState())
}

func TestLSSSlaveInquireNodeId(t *testing.T) {
	slave, bus := newTestSlave(t)
	slave.state = StateConfiguration

	frame := canopen.NewFrame(ServiceSlaveId, false, 8)
	frame.Data[0] = byte(CmdInquireNodeId)
	slave.Handle(frame)

	assert.Len(t, bus.sent, 1)
	assert.EqualValues(t, 0x10, bus.sent[0].Data[1])
}
