package pdo

import (
	"testing"

	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/pkg/emergency"
	"github.com/cankit/cocore/pkg/od"
	"github.com/stretchr/testify/assert"
)

// recordingBus is a minimal canopen.Bus test double that stores every
// frame handed to Send, in place of the teacher's virtual CAN bus.
type recordingBus struct {
	sent []canopen.Frame
}

func (b *recordingBus) Send(frame canopen.Frame) error {
	b.sent = append(b.sent, frame)
	return nil
}

// newTestTPDODictionary builds an object dictionary with a mapped TPDO
// (0x1801/0x1A01) covering three mapped application entries at 0x2500
// (8, 16 and 32-bit), mirroring the mixed-width mapping case.
func newTestTPDODictionary(t *testing.T) (*od.ObjectDictionary, *od.Entry, *od.Entry) {
	t.Helper()
	dict := od.NewObjectDictionary(0x10)

	dict.AddVariableList(0x2500, "application data", od.NewRecord(
		od.NewVariableUint8(0x0B, "byte field", od.AttributeTpdo, 0x91),
		od.NewVariableUint16(0x15, "word field", od.AttributeTpdo, 0x8182),
		od.NewVariableUint32(0x1F, "long field", od.AttributeTpdo, 0x71727374),
	))

	comm := od.NewRecord(
		od.NewVariableUint8(od.SubPdoHighestSubIndex, "highest sub-index", od.AttributeSdoR, 5),
		od.NewVariableUint32(od.SubPdoCobId, "cob-id", od.AttributeSdoRw, 0x181),
		od.NewVariableUint8(od.SubPdoTransmissionType, "transmission type", od.AttributeSdoRw, TransmissionTypeSync1),
		od.NewVariableUint16(od.SubPdoInhibitTime, "inhibit time", od.AttributeSdoRw, 0),
		od.NewVariableUint16(od.SubPdoEventTimer, "event timer", od.AttributeSdoRw, 0),
	)
	entry1801 := dict.AddVariableList(0x1801, "TPDO communication parameter", comm)

	mapping := od.NewRecord(
		od.NewVariableUint8(0, "number of mapped objects", od.AttributeSdoRw, 3),
		od.NewVariableUint32(1, "mapped object 1", od.AttributeSdoRw, 0x25000B08),
		od.NewVariableUint32(2, "mapped object 2", od.AttributeSdoRw, 0x25001510),
		od.NewVariableUint32(3, "mapped object 3", od.AttributeSdoRw, 0x25001F20),
	)
	entry1A01 := dict.AddVariableList(0x1A01, "TPDO mapping parameter", mapping)

	dict.Finalize()
	return dict, entry1801, entry1A01
}

func newTestEMCY(t *testing.T, bm *canopen.BusManager) *emergency.EMCY {
	t.Helper()
	dict := od.NewObjectDictionary(0x10)
	entry1001 := dict.AddVariableType(0x1001, "error register", od.NewVariableUint8(0, "error register", od.AttributeSdoR, 0))
	entry1014 := dict.AddVariableType(0x1014, "cob-id emcy", od.NewVariableUint32(0, "cob-id emcy", od.AttributeSdoRw, 0x80+0x10))
	entry1003 := dict.AddVariableList(0x1003, "pre-defined error field", od.NewArray(
		od.NewVariableUint32(0, "number of errors", od.AttributeSdoRw, 0),
		od.NewVariableUint32(1, "error 1", od.AttributeSdoR, 0),
	))
	dict.Finalize()
	emcy, err := emergency.NewEMCY(bm, nil, 0x10, entry1001, entry1014, nil, entry1003)
	assert.Nil(t, err)
	return emcy
}

func TestTPDOSendMappedValues(t *testing.T) {
	dict, entry1801, entry1A01 := newTestTPDODictionary(t)
	bus := &recordingBus{}
	bm := canopen.NewBusManager(bus, nil)
	emcy := newTestEMCY(t, bm)

	tpdo, err := NewTPDO(bm, nil, dict, emcy, entry1801, entry1A01, 0x180+0x10)
	assert.Nil(t, err)
	assert.True(t, tpdo.pdo.Valid)
	assert.EqualValues(t, 3, tpdo.pdo.nbMapped)
	assert.EqualValues(t, 7, tpdo.pdo.dataLength)

	assert.Nil(t, tpdo.send())
	assert.Len(t, bus.sent, 1)

	frame := bus.sent[0]
	assert.EqualValues(t, 0x181, frame.ID)
	assert.EqualValues(t, 7, frame.DLC)
	assert.Equal(t, []byte{0x91, 0x82, 0x81, 0x74, 0x73, 0x72, 0x71}, frame.Data[:7])
}

func TestTPDOOnSyncRespectsTransmissionType(t *testing.T) {
	dict, entry1801, entry1A01 := newTestTPDODictionary(t)
	assert.Nil(t, entry1801.PutUint8(od.SubPdoTransmissionType, 3, true))

	bus := &recordingBus{}
	bm := canopen.NewBusManager(bus, nil)
	emcy := newTestEMCY(t, bm)

	tpdo, err := NewTPDO(bm, nil, dict, emcy, entry1801, entry1A01, 0x180+0x10)
	assert.Nil(t, err)

	// transmissionType 3: send on every third SYNC only.
	tpdo.OnSync(1, 0)
	tpdo.OnSync(2, 0)
	assert.Len(t, bus.sent, 0)
	tpdo.OnSync(3, 0)
	assert.Len(t, bus.sent, 1)
}

func TestTPDOInhibitTimerDefersSend(t *testing.T) {
	dict, entry1801, entry1A01 := newTestTPDODictionary(t)
	assert.Nil(t, entry1801.PutUint16(od.SubPdoInhibitTime, 0, true))

	bus := &recordingBus{}
	bm := canopen.NewBusManager(bus, nil)
	emcy := newTestEMCY(t, bm)

	tpdo, err := NewTPDO(bm, nil, dict, emcy, entry1801, entry1A01, 0x180+0x10)
	assert.Nil(t, err)
	tpdo.SetOperational(true)
	tpdo.inhibitTimeUs = 1000

	assert.Nil(t, tpdo.send())
	assert.Len(t, bus.sent, 1)
	assert.True(t, tpdo.inhibitActive)

	tpdo.sendRequest = true
	tpdo.Tick(500)
	assert.Len(t, bus.sent, 1, "inhibit window still open, send deferred")

	tpdo.Tick(600)
	assert.Len(t, bus.sent, 2, "inhibit window closed, deferred send fires")
	assert.True(t, tpdo.inhibitActive, "the deferred send re-arms the inhibit timer")
}
