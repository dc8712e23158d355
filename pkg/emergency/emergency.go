// Package emergency implements the CiA 301 EMCY service: a per-bit latched
// error status, a bounded pre-defined error field (object 0x1003) and the
// producer/consumer frame exchange built on top of it.
package emergency

import (
	"encoding/binary"
	"log/slog"

	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/pkg/od"
)

const EmergencyErrorStatusBits = 80
const ServiceId = 0x80

// Error register bits (object 0x1001).
const (
	ErrRegGeneric       = 0x01
	ErrRegCurrent       = 0x02
	ErrRegVoltage       = 0x04
	ErrRegTemperature   = 0x08
	ErrRegCommunication = 0x10
	ErrRegDevProfile    = 0x20
	ErrRegReserved      = 0x40
	ErrRegManufacturer  = 0x80
)

// Error codes (CiA 301 table 22).
const (
	ErrNoError        = 0x0000
	ErrGeneric        = 0x1000
	ErrCurrent        = 0x2000
	ErrVoltage        = 0x3000
	ErrTemperature    = 0x4000
	ErrHardware       = 0x5000
	ErrSoftwareDevice = 0x6000
	ErrDataSet        = 0x6300
	ErrMonitoring     = 0x8000
	ErrCommunication  = 0x8100
	ErrCanOverrun     = 0x8110
	ErrCanPassive     = 0x8120
	ErrHeartbeat      = 0x8130
	ErrProtocolError  = 0x8200
	ErrPdoLength      = 0x8210
	ErrPdoLengthExc   = 0x8220
	ErrSyncDataLength = 0x8240
	ErrRpdoTimeout    = 0x8250
	ErrExternalError  = 0x9000
	ErrDeviceSpecific = 0xFF00
)

// Error status bits (argument to Error/ErrorReport/ErrorReset).
const (
	EmNoError                = 0x00
	EmCanBusWarning          = 0x01
	EmRxMsgWrongLength       = 0x02
	EmRxMsgOverflow          = 0x03
	EmRPDOWrongLength        = 0x04
	EmRPDOOverflow           = 0x05
	EmCanRXBusPassive        = 0x06
	EmCanTXBusPassive        = 0x07
	EmNMTWrongCommand        = 0x08
	EmTimeTimeout            = 0x09
	EmCanTXBusOff            = 0x12
	EmCanRXBOverflow         = 0x13
	EmCanTXOverflow          = 0x14
	EmTPDOOutsideWindow      = 0x15
	EmRPDOTimeOut            = 0x17
	EmSyncTimeOut            = 0x18
	EmSyncLength             = 0x19
	EmPDOWrongMapping        = 0x1A
	EmHeartbeatConsumer      = 0x1B
	EmHBConsumerRemoteReset  = 0x1C
	EmEmergencyBufferFull    = 0x20
	EmMicrocontrollerReset   = 0x22
	EmWrongErrorReport       = 0x28
	EmGenericError           = 0x2B
	EmGenericSoftwareError   = 0x2C
	EmInconsistentObjectDict = 0x2D
	EmManufacturerStart      = 0x30
	EmManufacturerEnd        = EmergencyErrorStatusBits - 1
)

// history holds one packed entry of the pre-defined error field (0x1003):
// (errorBit<<24)|errorCode in msg per CiA 301 table 24, plus free-form info.
type history struct {
	msg  uint32
	info uint32
}

// EMCYRxCallback is invoked for every emergency observed, own production
// included (ident 0 identifies a self-produced entry).
type EMCYRxCallback func(ident uint16, errorCode uint16, errorRegister byte, errorBit byte, infoCode uint32)

// EMCY is the node's single emergency service instance: it owns the error
// status bitmap, the bounded history ring backing object 0x1003, and
// produces/consumes EMCY frames.
type EMCY struct {
	bm              *canopen.BusManager
	logger          *slog.Logger
	nodeId          byte
	errorStatusBits [EmergencyErrorStatusBits / 8]byte
	errorRegister   *byte
	txCobID         uint32
	history         []history
	histCount       int
	producerEnabled bool
	producerIdent   uint16
	inhibitTimeUs   uint32
	inhibitTimer    uint32
	pending         []history
	rxCallback      EMCYRxCallback
}

// Handle processes a received EMCY frame, forwarding it to the registered
// callback (typically the application's error log).
func (emcy *EMCY) Handle(frame canopen.Frame) {
	if emcy == nil || emcy.rxCallback == nil || frame.DLC != 8 {
		return
	}
	errorCode := binary.LittleEndian.Uint16(frame.Data[0:2])
	infoCode := binary.LittleEndian.Uint32(frame.Data[4:8])
	emcy.rxCallback(uint16(frame.ID), errorCode, frame.Data[2], frame.Data[3], infoCode)
}

// Service drains one queued emergency per call, once the inhibit time has
// elapsed, and advances the inhibit timer by elapsedUs.
func (emcy *EMCY) Service(elapsedUs uint32) {
	if emcy.inhibitTimer < emcy.inhibitTimeUs {
		emcy.inhibitTimer += elapsedUs
	}
	if len(emcy.pending) == 0 || emcy.inhibitTimer < emcy.inhibitTimeUs {
		return
	}
	next := emcy.pending[0]
	emcy.pending = emcy.pending[1:]
	emcy.inhibitTimer = 0

	errorRegister := byte(0)
	if emcy.errorRegister != nil {
		errorRegister = *emcy.errorRegister
	}
	msg := next.msg | uint32(errorRegister)<<16
	frame := canopen.NewFrame(emcy.txCobID, false, 8)
	binary.LittleEndian.PutUint32(frame.Data[:4], msg)
	binary.LittleEndian.PutUint32(frame.Data[4:8], next.info)
	if emcy.producerEnabled {
		_ = emcy.bm.Send(frame)
	}
	if emcy.rxCallback != nil {
		emcy.rxCallback(0, uint16(msg), errorRegister, byte(msg>>24), next.info)
	}
}

// Error sets or clears errorBit. Setting an already-set bit, or clearing an
// already-clear one, is a no-op: only edges push a new history entry and
// queue a frame for Service to emit.
func (emcy *EMCY) Error(setError bool, errorBit byte, errorCode uint16, infoCode uint32) {
	index := errorBit >> 3
	bitMask := byte(1) << (errorBit & 0x7)
	if int(index) >= len(emcy.errorStatusBits) {
		index = EmWrongErrorReport >> 3
		bitMask = 1 << (EmWrongErrorReport & 0x7)
		errorCode = 0x6100 // internal software error
		infoCode = uint32(errorBit)
	}
	already := emcy.errorStatusBits[index]&bitMask != 0
	if setError == already {
		return
	}
	if setError {
		emcy.errorStatusBits[index] |= bitMask
	} else {
		emcy.errorStatusBits[index] &^= bitMask
		errorCode = ErrNoError
	}

	msg := (uint32(errorBit) << 24) | uint32(errorCode)
	emcy.pending = append(emcy.pending, history{msg: msg, info: infoCode})
	emcy.pushHistory(msg, infoCode)
}

// pushHistory writes a new entry at sub-index 1 of 0x1003, shifting the
// existing entries down and dropping the oldest once the ring is full — the
// newest-first ordering CiA 301 §7.5.2.3 requires.
func (emcy *EMCY) pushHistory(msg, info uint32) {
	if len(emcy.history) == 0 {
		return
	}
	copy(emcy.history[1:], emcy.history[:len(emcy.history)-1])
	emcy.history[0] = history{msg: msg, info: info}
	if emcy.histCount < len(emcy.history) {
		emcy.histCount++
	}
}

func (emcy *EMCY) ErrorReport(errorBit byte, errorCode uint16, infoCode uint32) {
	emcy.logger.Info("report emergency", "errorBit", errorBit, "errorCode", errorCode, "infoCode", infoCode)
	emcy.Error(true, errorBit, errorCode, infoCode)
}

func (emcy *EMCY) ErrorReset(errorBit byte, infoCode uint32) {
	emcy.logger.Info("reset emergency", "errorBit", errorBit, "infoCode", infoCode)
	emcy.Error(false, errorBit, ErrNoError, infoCode)
}

func (emcy *EMCY) IsError(errorBit byte) bool {
	if emcy == nil {
		return true
	}
	index := errorBit >> 3
	if int(index) >= len(emcy.errorStatusBits) {
		return true
	}
	return emcy.errorStatusBits[index]&(1<<(errorBit&0x7)) != 0
}

func (emcy *EMCY) GetErrorRegister() byte {
	if emcy == nil || emcy.errorRegister == nil {
		return 0
	}
	return *emcy.errorRegister
}

// Cnt reports the number of valid entries currently in the history ring.
func (emcy *EMCY) Cnt() int { return emcy.histCount }

func (emcy *EMCY) ProducerEnabled() bool { return emcy.producerEnabled }

func (emcy *EMCY) SetCallback(callback EMCYRxCallback) { emcy.rxCallback = callback }

// NewEMCY wires the EMCY service to the error register (0x1001), the COB-ID
// producer parameter (0x1014), the optional inhibit time (0x1015) and the
// pre-defined error field (0x1003).
func NewEMCY(
	bm *canopen.BusManager,
	logger *slog.Logger,
	nodeId uint8,
	entry1001 *od.Entry,
	entry1014 *od.Entry,
	entry1015 *od.Entry,
	entry1003 *od.Entry,
) (*EMCY, error) {
	if bm == nil || entry1014 == nil || entry1003 == nil || nodeId < 1 || nodeId > 127 {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	emcy := &EMCY{bm: bm, nodeId: nodeId, logger: logger.With("service", "emcy")}
	emcy.history = make([]history, max(entry1003.SubCount()-1, 0))

	if entry1001 != nil {
		if v, err := entry1001.SubIndex(0); err == nil {
			emcy.errorRegister = v.RawPointer()
		}
	}

	cobIdEmergency, err := entry1014.Uint32(0)
	if err != nil {
		return nil, canopen.ErrOdParameters
	}
	producerCanId := cobIdEmergency & 0x7FF
	emcy.producerEnabled = (cobIdEmergency&0x80000000) == 0 && producerCanId != 0
	emcy.producerIdent = uint16(producerCanId)
	if producerCanId == uint32(ServiceId) {
		producerCanId += uint32(nodeId)
	}
	emcy.txCobID = producerCanId
	entry1014.AddExtension(emcy, readEntry1014, writeEntry1014)

	if entry1015 != nil {
		inhibitTime100us, err := entry1015.Uint16(0)
		if err == nil {
			emcy.inhibitTimeUs = uint32(inhibitTime100us) * 100
			entry1015.AddExtension(emcy, od.ReadEntryDefault, writeEntry1015)
		}
	}
	entry1003.AddExtension(emcy, readEntry1003, writeEntry1003)

	if _, err := bm.Subscribe(uint32(ServiceId), false, emcy); err != nil {
		return nil, err
	}
	return emcy, nil
}
