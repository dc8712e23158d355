package nmt

import (
	"testing"

	canopen "github.com/cankit/cocore"
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

func newTestNMT(t *testing.T, control uint16, producerHeartbeatMs uint16) (*NMT, *recordingBus) {
	t.Helper()
	dict := od.NewObjectDictionary(0x10)
	entry1017 := dict.AddVariableType(0x1017, "producer heartbeat time",
		od.NewVariableUint16(0, "producer heartbeat time", od.AttributeSdoRw, producerHeartbeatMs))
	dict.Finalize()

	bus := &recordingBus{}
	bm := canopen.NewBusManager(bus, nil)
	tmr := timer.New(4, 1_000_000, nil)

	n, err := NewNMT(bm, nil, tmr, nil, 0x10, control, ServiceId, ServiceId, ServiceId+0x700+uint16(0x10), entry1017)
	assert.Nil(t, err)
	return n, bus
}

func TestNewNMTSendsBootUpHeartbeat(t *testing.T) {
	n, bus := newTestNMT(t, StartupToOperational, 0)
	assert.Len(t, bus.sent, 1)
	// The boot-up message always reports Initializing, even though the
	// node lands in Operational right after Start returns.
	assert.EqualValues(t, StateInitializing, bus.sent[0].Data[0])
	assert.Equal(t, StateOperational, n.GetInternalState())
}

func TestNewNMTDefaultsToPreOperationalWithoutStartupControl(t *testing.T) {
	n, _ := newTestNMT(t, 0, 0)
	assert.Equal(t, StatePreOperational, n.GetInternalState())
}

func TestNMTHandleBroadcastCommandChangesState(t *testing.T) {
	n, _ := newTestNMT(t, StartupToOperational, 0)

	frame := canopen.NewFrame(ServiceId, false, 2)
	frame.Data[0] = byte(CommandEnterStopped)
	frame.Data[1] = 0 // broadcast
	n.Handle(frame)

	assert.Equal(t, StateStopped, n.GetInternalState())
}

func TestNMTHandleIgnoresOtherNodeId(t *testing.T) {
	n, _ := newTestNMT(t, StartupToOperational, 0)

	frame := canopen.NewFrame(ServiceId, false, 2)
	frame.Data[0] = byte(CommandEnterStopped)
	frame.Data[1] = 0x42
	n.Handle(frame)

	assert.Equal(t, StateOperational, n.GetInternalState())
}

func TestNMTResetCommandIsPendingUntilConsumed(t *testing.T) {
	n, _ := newTestNMT(t, StartupToOperational, 0)

	frame := canopen.NewFrame(ServiceId, false, 2)
	frame.Data[0] = byte(CommandResetCommunication)
	frame.Data[1] = 0
	n.Handle(frame)

	assert.Equal(t, ResetComm, n.GetPendingReset())
	assert.Equal(t, ResetNot, n.GetPendingReset())
}

func TestNMTStateChangeCallbackIsInvoked(t *testing.T) {
	n, _ := newTestNMT(t, StartupToOperational, 0)
	var seen uint8
	n.AddStateChangeCallback(func(state uint8) { seen = state })

	frame := canopen.NewFrame(ServiceId, false, 2)
	frame.Data[0] = byte(CommandEnterStopped)
	frame.Data[1] = 0
	n.Handle(frame)

	assert.Equal(t, StateStopped, seen)
}

func TestNMTProducerHeartbeatFiresOnTick(t *testing.T) {
	n, bus := newTestNMT(t, StartupToOperational, 100)
	initial := len(bus.sent)

	// First tick below the period sends nothing extra.
	n.tmr.Service(50_000)
	assert.Len(t, bus.sent, initial)

	n.tmr.Service(51_000)
	assert.Greater(t, len(bus.sent), initial)
}
