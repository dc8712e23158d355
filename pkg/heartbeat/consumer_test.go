package heartbeat

import (
	"testing"

	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/pkg/emergency"
	"github.com/cankit/cocore/pkg/nmt"
	"github.com/cankit/cocore/pkg/od"
	"github.com/cankit/cocore/pkg/timer"
	"github.com/stretchr/testify/assert"
)

type recordingBus struct {
	sent []canopen.Frame
}

func (b *recordingBus) Send(frame canopen.Frame) error {
	b.sent = append(b.sent, frame)
	return nil
}

func newTestConsumer(t *testing.T, monitoredNodeId uint8, periodMs uint16) (*HBConsumer, *recordingBus) {
	t.Helper()
	dict := od.NewObjectDictionary(0x10)
	entry1001 := dict.AddVariableType(od.EntryErrorRegister, "error register",
		od.NewVariableUint8(0, "error register", od.AttributeSdoR, 0))
	entry1014 := dict.AddVariableType(od.EntryCobIdEMCY, "cob-id emcy",
		od.NewVariableUint32(0, "cob-id emcy", od.AttributeSdoRw, 0x80+0x10))
	entry1003 := dict.AddVariableList(od.EntryPredefinedErrorField, "pre-defined error field", od.NewArray(
		od.NewVariableUint32(0, "number of errors", od.AttributeSdoRw, 0),
		od.NewVariableUint32(1, "error 1", od.AttributeSdoR, 0),
	))
	hbConsValue := uint32(monitoredNodeId)<<16 | uint32(periodMs)
	entry1016 := dict.AddVariableList(od.EntryConsumerHeartbeatTime, "consumer heartbeat time", od.NewArray(
		od.NewVariableUint32(0, "number of entries", od.AttributeSdoRw, 1),
		od.NewVariableUint32(1, "consumer heartbeat time 1", od.AttributeSdoRw, hbConsValue),
	))
	dict.Finalize()

	bus := &recordingBus{}
	bm := canopen.NewBusManager(bus, nil)
	tmr := timer.New(4, 1_000_000, nil)
	emcy, err := emergency.NewEMCY(bm, nil, 0x10, entry1001, entry1014, nil, entry1003)
	assert.Nil(t, err)

	consumer, err := NewHBConsumer(bm, nil, tmr, emcy, entry1016)
	assert.Nil(t, err)
	consumer.OnStateChange(nmt.StateOperational) // arms the timeout timers
	return consumer, bus
}

func TestNewHBConsumerBuildsOneEntryPerRecord(t *testing.T) {
	consumer, _ := newTestConsumer(t, 0x20, 100)
	assert.Len(t, consumer.entries, 1)
	assert.Equal(t, HeartbeatUnknown, consumer.entries[0].hbState)
}

func TestHBConsumerHandleMarksEntryActive(t *testing.T) {
	consumer, _ := newTestConsumer(t, 0x20, 100)

	frame := canopen.NewFrame(ServiceId+uint32(0x20), false, 1)
	frame.Data[0] = 5 // nmt.StateOperational
	consumer.entries[0].Handle(frame)

	assert.Equal(t, HeartbeatActive, consumer.entries[0].hbState)
}

func TestHBConsumerBootUpWhileActiveRaisesEmergency(t *testing.T) {
	consumer, bus := newTestConsumer(t, 0x20, 100)

	active := canopen.NewFrame(ServiceId+uint32(0x20), false, 1)
	active.Data[0] = nmt.StateOperational
	consumer.entries[0].Handle(active)
	initial := len(bus.sent)

	bootUp := canopen.NewFrame(ServiceId+uint32(0x20), false, 1)
	bootUp.Data[0] = nmt.StateInitializing
	consumer.entries[0].Handle(bootUp)
	consumer.emcy.Service(0)

	assert.Greater(t, len(bus.sent), initial)
}

func TestHBConsumerTimeoutRaisesEmergency(t *testing.T) {
	consumer, bus := newTestConsumer(t, 0x20, 100)

	active := canopen.NewFrame(ServiceId+uint32(0x20), false, 1)
	active.Data[0] = nmt.StateOperational
	consumer.entries[0].Handle(active)
	initial := len(bus.sent)

	consumer.entries[0].tmr.Service(101_000)
	consumer.emcy.Service(0)

	assert.Equal(t, HeartbeatTimeout, consumer.entries[0].hbState)
	assert.Greater(t, len(bus.sent), initial)
}

func TestHBConsumerStopDisarmsTimeoutAndClearsState(t *testing.T) {
	consumer, _ := newTestConsumer(t, 0x20, 100)

	active := canopen.NewFrame(ServiceId+uint32(0x20), false, 1)
	active.Data[0] = nmt.StateOperational
	consumer.entries[0].Handle(active)

	consumer.Stop()
	assert.Equal(t, HeartbeatUnknown, consumer.entries[0].hbState)
	assert.False(t, consumer.entries[0].scheduled)
}
