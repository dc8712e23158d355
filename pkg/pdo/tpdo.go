package pdo

import (
	"fmt"
	"log/slog"

	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/pkg/emergency"
	"github.com/cankit/cocore/pkg/od"
)

const (
	SyncCounterReset        = 255
	SyncCounterWaitForStart = 254
)

// TPDO transmits one mapped process data frame. Inhibit and event timers
// are plain microsecond countdowns aged by Tick, in place of the teacher's
// time.AfterFunc pair; SYNC coupling is a direct OnSync call from the node's
// NodeTick when the SYNC service reports a SYNC event, rather than a
// subscribed channel drained by a goroutine.
type TPDO struct {
	bm               *canopen.BusManager
	pdo              *PDOCommon
	txFrame          canopen.Frame
	transmissionType uint8
	sendRequest      bool
	syncStartValue   uint8
	syncCounter      uint8
	inhibitTimeUs    uint32
	inhibitRemainUs  uint32
	inhibitActive    bool
	eventTimeUs      uint32
	eventRemainUs    uint32
	isOperational    bool
}

func (tpdo *TPDO) configureTransmissionType(entry18xx *od.Entry) error {
	transmissionType, err := entry18xx.Uint8(od.SubPdoTransmissionType)
	if err != nil {
		tpdo.pdo.logger.Error("reading failed", "index", fmt.Sprintf("x%x", entry18xx.Index), "error", err)
		return canopen.ErrOdParameters
	}
	if transmissionType < TransmissionTypeSyncEventLo && transmissionType > TransmissionTypeSync240 {
		transmissionType = TransmissionTypeSyncEventLo
	}
	tpdo.transmissionType = transmissionType
	tpdo.sendRequest = true
	return nil
}

func (tpdo *TPDO) configureCOBID(entry18xx *od.Entry, predefinedIdent uint16, erroneousMap uint32) (uint16, error) {
	pdo := tpdo.pdo
	cobId, err := entry18xx.Uint32(od.SubPdoCobId)
	if err != nil {
		tpdo.pdo.logger.Error("reading failed", "index", fmt.Sprintf("x%x", entry18xx.Index), "error", err)
		return 0, canopen.ErrOdParameters
	}
	valid := (cobId & 0x80000000) == 0
	canId := uint16(cobId & 0x7FF)
	if valid && (pdo.nbMapped == 0 || canId == 0) {
		valid = false
		if erroneousMap == 0 {
			erroneousMap = 1
		}
	}
	if erroneousMap != 0 {
		errorInfo := erroneousMap
		if erroneousMap == 1 {
			errorInfo = cobId
		}
		pdo.emcy.ErrorReport(emergency.EmPDOWrongMapping, emergency.ErrProtocolError, errorInfo)
	}
	if !valid {
		canId = 0
	}
	if canId != 0 && canId == (predefinedIdent&0xFF80) {
		canId = predefinedIdent
	}
	tpdo.txFrame = canopen.NewFrame(uint32(canId), false, uint8(pdo.dataLength))
	pdo.Valid = valid
	return canId, nil
}

func (tpdo *TPDO) send() error {
	pdo := tpdo.pdo
	if !pdo.Valid {
		return nil
	}
	totalRead := 0
	for i := 0; i < int(pdo.nbMapped); i++ {
		streamer := &pdo.streamers[i]
		mappedLength := streamer.DataOffset
		streamer.DataOffset = 0
		if _, err := streamer.Read(tpdo.txFrame.Data[totalRead:]); err != nil {
			tpdo.pdo.logger.Warn("failed to send", "cobId", pdo.configuredId, "error", err)
			return err
		}
		streamer.DataOffset = mappedLength
		totalRead += int(mappedLength)
	}
	tpdo.sendRequest = false
	tpdo.eventRemainUs = tpdo.eventTimeUs
	tpdo.startInhibitTimer()
	return tpdo.bm.Send(tpdo.txFrame)
}

func (tpdo *TPDO) checkAndSend() {
	if tpdo.inhibitActive {
		tpdo.sendRequest = true
		return
	}
	_ = tpdo.send()
}

// SendAsync requests an out-of-band transmission, applied immediately
// unless the inhibit timer is currently running (in which case it fires as
// soon as the inhibit window ends). Only meaningful for event-driven TPDOs.
func (tpdo *TPDO) SendAsync() {
	tpdo.checkAndSend()
}

// SetOperational enables or disables transmission, matching the teacher's
// NMT state-change hook.
func (tpdo *TPDO) SetOperational(operational bool) {
	tpdo.isOperational = operational
	if operational {
		tpdo.eventRemainUs = tpdo.eventTimeUs
		return
	}
	tpdo.inhibitActive = false
	tpdo.inhibitRemainUs = 0
	tpdo.eventRemainUs = 0
}

func (tpdo *TPDO) startInhibitTimer() {
	if tpdo.inhibitTimeUs == 0 {
		return
	}
	tpdo.inhibitActive = true
	tpdo.inhibitRemainUs = tpdo.inhibitTimeUs
}

// Tick ages the inhibit and event timers by elapsedUs, firing a deferred
// send once the inhibit window closes and flagging sendRequest once the
// event timer lapses.
func (tpdo *TPDO) Tick(elapsedUs uint32) {
	if !tpdo.isOperational {
		return
	}
	if tpdo.inhibitActive {
		if tpdo.inhibitRemainUs > elapsedUs {
			tpdo.inhibitRemainUs -= elapsedUs
		} else {
			tpdo.inhibitActive = false
			if tpdo.sendRequest {
				_ = tpdo.send()
			}
		}
	}
	if tpdo.eventTimeUs == 0 {
		return
	}
	if tpdo.eventRemainUs > elapsedUs {
		tpdo.eventRemainUs -= elapsedUs
		return
	}
	tpdo.eventRemainUs = tpdo.eventTimeUs
	tpdo.sendRequest = true
	if !tpdo.inhibitActive {
		_ = tpdo.send()
	}
}

// OnSync drives the synchronous transmission counter, called once per SYNC
// frame processed while transmissionType selects synchronous operation.
func (tpdo *TPDO) OnSync(counter uint8, overflow uint8) {
	if tpdo.transmissionType >= TransmissionTypeSyncEventLo {
		return
	}
	if tpdo.transmissionType == TransmissionTypeSyncAcyclic {
		if tpdo.sendRequest {
			_ = tpdo.send()
		}
		return
	}

	if tpdo.syncCounter == SyncCounterReset {
		if overflow != 0 && tpdo.syncStartValue != 0 {
			tpdo.syncCounter = SyncCounterWaitForStart
		} else {
			tpdo.syncCounter = tpdo.transmissionType
		}
	}

	switch tpdo.syncCounter {
	case SyncCounterWaitForStart:
		if counter == tpdo.syncStartValue {
			tpdo.syncCounter = tpdo.transmissionType
			_ = tpdo.send()
		}
	case 1:
		tpdo.syncCounter = tpdo.transmissionType
		_ = tpdo.send()
	default:
		tpdo.syncCounter--
	}
}

// NewTPDO constructs a TPDO from its communication (0x18xx) and mapping
// (0x1Axx) parameter entries.
func NewTPDO(
	bm *canopen.BusManager,
	logger *slog.Logger,
	odict *od.ObjectDictionary,
	emcy *emergency.EMCY,
	entry18xx *od.Entry,
	entry1Axx *od.Entry,
	predefinedIdent uint16,
) (*TPDO, error) {
	if odict == nil || entry18xx == nil || entry1Axx == nil || bm == nil || emcy == nil {
		return nil, canopen.ErrIllegalArgument
	}
	tpdo := &TPDO{bm: bm}

	erroneousMap := uint32(0)
	pdo, err := NewPDO(odict, logger, entry1Axx, false, emcy, &erroneousMap)
	if err != nil {
		return nil, err
	}
	tpdo.pdo = pdo

	if err := tpdo.configureTransmissionType(entry18xx); err != nil {
		return nil, err
	}
	canId, err := tpdo.configureCOBID(entry18xx, predefinedIdent, erroneousMap)
	if err != nil {
		return nil, err
	}

	inhibitTime, err := entry18xx.Uint16(od.SubPdoInhibitTime)
	if err == nil {
		tpdo.inhibitTimeUs = uint32(inhibitTime) * 100
	}
	eventTime, err := entry18xx.Uint16(od.SubPdoEventTimer)
	if err == nil {
		tpdo.eventTimeUs = uint32(eventTime) * 1000
	}
	tpdo.syncStartValue, _ = entry18xx.Uint8(od.SubPdoSyncStart)
	tpdo.syncCounter = SyncCounterReset

	pdo.predefinedId = predefinedIdent
	pdo.configuredId = canId
	entry18xx.AddExtension(tpdo, readEntry14xxOr18xx, writeEntry18xx)
	entry1Axx.AddExtension(tpdo, od.ReadEntryDefault, writeEntry16xxOr1Axx)

	tpdo.pdo.logger.Debug("finished initializing", "canId", canId, "valid", pdo.Valid, "transmissionType", tpdo.transmissionType)
	return tpdo, nil
}
