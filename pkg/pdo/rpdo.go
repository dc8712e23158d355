package pdo

import (
	"fmt"
	"log/slog"

	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/pkg/emergency"
	"github.com/cankit/cocore/pkg/od"
)

// RPDO receives one mapped process data frame. Reception is synchronous:
// Handle is called from NodeProcessFrame for a matching frame, and Tick is
// called from NodeTick to age the timeout countdown. A synchronous RPDO
// buffers the last received frame and only copies it into the dictionary
// when OnSync fires, matching the teacher's deferred-to-SYNC-handler
// semantics without the goroutine/channel machinery.
type RPDO struct {
	bm              *canopen.BusManager
	pdo             *PDOCommon
	rxData          []byte
	rxPending       bool
	synchronous     bool
	timeoutRxUs     uint32
	timeoutRemainUs uint32
	inTimeout       bool
	isOperational   bool
	rxCancel        func()
	rxIdent         uint32
}

// Handle processes one received RPDO frame.
func (rpdo *RPDO) Handle(frame canopen.Frame) {
	if !rpdo.pdo.Valid || !rpdo.isOperational {
		return
	}
	if !rpdo.validateFrameLength(frame.DLC) {
		return
	}

	rpdo.timeoutRemainUs = rpdo.timeoutRxUs
	if rpdo.inTimeout {
		rpdo.pdo.emcy.ErrorReset(emergency.EmRPDOTimeOut, 0)
		rpdo.inTimeout = false
	}

	data := append([]byte(nil), frame.Data[:frame.DLC]...)
	if !rpdo.synchronous {
		rpdo.copyDataToOd(data)
		return
	}
	rpdo.rxData = data
	rpdo.rxPending = true
}

// OnSync applies the most recently buffered synchronous RPDO frame, if any,
// to the dictionary. Called by the node's NodeTick when the SYNC service
// reports a SYNC event.
func (rpdo *RPDO) OnSync() {
	if !rpdo.synchronous || !rpdo.rxPending {
		return
	}
	rpdo.copyDataToOd(rpdo.rxData)
	rpdo.rxPending = false
}

// Tick ages the reception timeout by elapsedUs, raising EmRPDOTimeOut once
// it lapses without a fresh frame.
func (rpdo *RPDO) Tick(elapsedUs uint32) {
	if rpdo.timeoutRxUs == 0 || !rpdo.isOperational || rpdo.inTimeout {
		return
	}
	if rpdo.timeoutRemainUs > elapsedUs {
		rpdo.timeoutRemainUs -= elapsedUs
		return
	}
	rpdo.inTimeout = true
	rpdo.pdo.emcy.ErrorReport(emergency.EmRPDOTimeOut, emergency.ErrRpdoTimeout, 0)
}

// validateFrameLength reports whether dlc matches the mapped length,
// raising/clearing EmRPDOWrongLength as it changes.
func (rpdo *RPDO) validateFrameLength(dlc uint8) bool {
	expected := uint8(rpdo.pdo.dataLength)
	if dlc == expected {
		rpdo.pdo.emcy.Error(false, emergency.EmRPDOWrongLength, emergency.ErrNoError, 0)
		return true
	}
	errorCode := uint16(emergency.ErrPdoLength)
	if dlc > expected {
		errorCode = emergency.ErrPdoLengthExc
	}
	rpdo.pdo.emcy.Error(true, emergency.EmRPDOWrongLength, errorCode, uint32(rpdo.pdo.dataLength))
	return false
}

func (rpdo *RPDO) copyDataToOd(data []byte) {
	pdo := rpdo.pdo
	offset := uint32(0)
	for i := 0; i < int(pdo.nbMapped); i++ {
		streamer := &pdo.streamers[i]
		end := offset + streamer.DataOffset
		if end > uint32(len(data)) {
			break
		}
		mappedLength := streamer.DataOffset
		streamer.DataOffset = 0
		if _, err := streamer.Write(data[offset:end]); err != nil {
			pdo.logger.Warn("failed to write to OD on RPDO reception", "cobId", pdo.configuredId, "error", err)
		}
		streamer.DataOffset = mappedLength
		offset = end
	}
}

// subscribe (re)registers the RPDO's frame listener at canId.
func (rpdo *RPDO) subscribe(canId uint32) error {
	if rpdo.rxCancel != nil {
		rpdo.rxCancel()
		rpdo.rxCancel = nil
	}
	if canId == 0 {
		return nil
	}
	cancel, err := rpdo.bm.Subscribe(canId, false, rpdo)
	if err != nil {
		return err
	}
	rpdo.rxCancel = cancel
	rpdo.rxIdent = canId
	return nil
}

// SetOperational enables or disables frame processing, matching the
// teacher's NMT state-change hook.
func (rpdo *RPDO) SetOperational(operational bool) {
	rpdo.isOperational = operational
	if !operational {
		rpdo.rxPending = false
		rpdo.inTimeout = false
	}
}

func (rpdo *RPDO) configureCobId(entry14xx *od.Entry, predefinedIdent uint16, erroneousMap uint32) (uint16, error) {
	pdo := rpdo.pdo
	cobId, err := entry14xx.Uint32(od.SubPdoCobId)
	if err != nil {
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
	pdo.Valid = valid
	if err := rpdo.subscribe(uint32(canId)); err != nil {
		return 0, err
	}
	return canId, nil
}

// NewRPDO constructs an RPDO from its communication (0x14xx) and mapping
// (0x16xx) parameter entries.
func NewRPDO(
	bm *canopen.BusManager,
	logger *slog.Logger,
	odict *od.ObjectDictionary,
	emcy *emergency.EMCY,
	entry14xx *od.Entry,
	entry16xx *od.Entry,
	predefinedIdent uint16,
) (*RPDO, error) {
	if odict == nil || entry14xx == nil || entry16xx == nil || bm == nil || emcy == nil {
		return nil, canopen.ErrIllegalArgument
	}
	rpdo := &RPDO{bm: bm}

	erroneousMap := uint32(0)
	pdo, err := NewPDO(odict, logger, entry16xx, true, emcy, &erroneousMap)
	if err != nil {
		return nil, err
	}
	rpdo.pdo = pdo
	pdo.predefinedId = predefinedIdent

	canId, err := rpdo.configureCobId(entry14xx, predefinedIdent, erroneousMap)
	if err != nil {
		return nil, err
	}
	pdo.configuredId = canId

	transmissionType, err := entry14xx.Uint8(od.SubPdoTransmissionType)
	if err != nil {
		rpdo.pdo.logger.Error("reading transmission type failed", "index", fmt.Sprintf("x%x", entry14xx.Index), "error", err)
		return nil, canopen.ErrOdParameters
	}
	rpdo.synchronous = transmissionType <= TransmissionTypeSync240

	eventTime, err := entry14xx.Uint16(od.SubPdoEventTimer)
	if err == nil {
		rpdo.timeoutRxUs = uint32(eventTime) * 1000
	}

	entry14xx.AddExtension(rpdo, readEntry14xxOr18xx, writeEntry14xx)
	entry16xx.AddExtension(rpdo, od.ReadEntryDefault, writeEntry16xxOr1Axx)

	rpdo.pdo.logger.Debug("finished initializing", "canId", canId, "valid", pdo.Valid, "synchronous", rpdo.synchronous)
	return rpdo, nil
}
