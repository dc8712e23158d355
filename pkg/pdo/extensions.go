package pdo

import (
	"encoding/binary"
	"fmt"

	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/pkg/od"
)

const (
	CobIdValidBit  = 0x80000000
	CobIdCanIdMask = 0x000007FF
	// CobIdValidityMask covers bits 11..29, which must stay zero; the valid
	// bit (31), the RTR bit (30) and the 11-bit identifier may vary.
	CobIdValidityMask          = 0x3FFFF800
	CobIdCanIdWithoutNodeIdMask = 0xFFFFFF80
	CanIdWithoutNodeIdMask      = 0xFF80
)

// writeEntry14xx validates and applies a write to an RPDO communication
// parameter entry (0x14xx), refer to CiA 301 ch. 7.5.2.35.
func writeEntry14xx(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || len(data) > 4 {
		return od.ErrDevIncompat
	}
	rpdo, ok := stream.Object.(*RPDO)
	if !ok {
		return od.ErrDevIncompat
	}
	pdo := rpdo.pdo
	dataCopy := append([]byte(nil), data...)

	switch stream.SubIndex {
	case od.SubPdoCobId:
		cobId := binary.LittleEndian.Uint32(data)
		canId := cobId & CobIdCanIdMask
		valid := (cobId & CobIdValidBit) == 0

		if (cobId&CobIdValidityMask) != 0 ||
			valid && pdo.Valid && canId != uint32(pdo.configuredId) ||
			valid && canopen.IsIDRestricted(uint16(canId)) ||
			valid && pdo.nbMapped == 0 {
			return od.ErrInvalidValue
		}

		if valid != pdo.Valid || canId != uint32(pdo.configuredId) {
			if canId == uint32(pdo.predefinedId) {
				binary.LittleEndian.PutUint32(dataCopy, cobId&CobIdCanIdWithoutNodeIdMask)
			}
			if !valid {
				canId = 0
			}
			if err := rpdo.subscribe(canId); err != nil {
				return od.ErrDevIncompat
			}
			pdo.Valid = valid
			pdo.configuredId = uint16(canId)
			rpdo.rxPending = false
			pdo.logger.Debug("updated cob-id", "valid", valid, "canId", fmt.Sprintf("x%x", canId))
		}

	case od.SubPdoTransmissionType:
		transType := data[0]
		if transType > TransmissionTypeSync240 && transType < TransmissionTypeSyncEventLo {
			return od.ErrInvalidValue
		}
		synchronous := transType <= TransmissionTypeSync240
		if rpdo.synchronous != synchronous {
			rpdo.rxPending = false
		}
		rpdo.synchronous = synchronous

	case od.SubPdoInhibitTime:
		// no particular processing: inhibit time is unused on the Rx side

	case od.SubPdoReserved:
		return od.ErrSubNotExist

	case od.SubPdoEventTimer:
		eventTimer := binary.LittleEndian.Uint16(data)
		rpdo.timeoutRxUs = uint32(eventTimer) * 1000
		rpdo.timeoutRemainUs = rpdo.timeoutRxUs
		rpdo.inTimeout = false

	case od.SubPdoSyncStart:
		return od.ErrSubNotExist
	}

	return od.WriteEntryDefault(stream, dataCopy, countWritten)
}

// writeEntry18xx validates and applies a write to a TPDO communication
// parameter entry (0x18xx), refer to CiA 301 ch. 7.5.2.37.
func writeEntry18xx(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || len(data) > 4 {
		return od.ErrDevIncompat
	}
	tpdo, ok := stream.Object.(*TPDO)
	if !ok {
		return od.ErrDevIncompat
	}
	pdo := tpdo.pdo
	dataCopy := append([]byte(nil), data...)

	switch stream.SubIndex {
	case od.SubPdoCobId:
		cobId := binary.LittleEndian.Uint32(data)
		canId := cobId & CobIdCanIdMask
		valid := (cobId & CobIdValidBit) == 0

		if (cobId&CobIdValidityMask) != 0 ||
			valid && pdo.Valid && canId != uint32(pdo.configuredId) ||
			valid && canopen.IsIDRestricted(uint16(canId)) ||
			valid && pdo.nbMapped == 0 {
			return od.ErrInvalidValue
		}

		if valid != pdo.Valid || canId != uint32(pdo.configuredId) {
			if canId == uint32(pdo.predefinedId) {
				binary.LittleEndian.PutUint32(dataCopy, cobId&CobIdCanIdWithoutNodeIdMask)
			}
			if !valid {
				canId = 0
			}
			tpdo.txFrame = canopen.NewFrame(canId, false, uint8(pdo.dataLength))
			pdo.Valid = valid
			pdo.configuredId = uint16(canId)
		}

	case od.SubPdoTransmissionType:
		transType := data[0]
		if transType > TransmissionTypeSync240 && transType < TransmissionTypeSyncEventLo {
			return od.ErrInvalidValue
		}
		tpdo.syncCounter = SyncCounterReset
		tpdo.transmissionType = transType
		tpdo.sendRequest = true
		tpdo.inhibitActive = false
		tpdo.inhibitRemainUs = 0
		tpdo.eventRemainUs = tpdo.eventTimeUs

	case od.SubPdoInhibitTime:
		if pdo.Valid {
			return od.ErrInvalidValue
		}
		inhibitTime := binary.LittleEndian.Uint16(data)
		tpdo.inhibitTimeUs = uint32(inhibitTime) * 100
		tpdo.inhibitActive = false
		tpdo.inhibitRemainUs = 0

	case od.SubPdoReserved:
		return od.ErrSubNotExist

	case od.SubPdoEventTimer:
		eventTime := binary.LittleEndian.Uint16(data)
		tpdo.eventTimeUs = uint32(eventTime) * 1000
		tpdo.eventRemainUs = tpdo.eventTimeUs
		pdo.logger.Debug("updated event timer", "eventTimeUs", tpdo.eventTimeUs)

	case od.SubPdoSyncStart:
		syncStart := data[0]
		if pdo.Valid || syncStart > TransmissionTypeSync240 {
			return od.ErrInvalidValue
		}
		tpdo.syncStartValue = syncStart
	}

	return od.WriteEntryDefault(stream, dataCopy, countWritten)
}

// readEntry14xxOr18xx reads a communication parameter entry, patching the
// COB-ID sub-index to fold in the valid bit and the node-id-relative
// default identifier, refer to CiA 301 ch. 7.5.2.35 & 7.5.2.37.
func readEntry14xxOr18xx(stream *od.Stream, data []byte, countRead *uint16) error {
	if err := od.ReadEntryDefault(stream, data, countRead); err != nil {
		return err
	}

	var pdo *PDOCommon
	switch v := stream.Object.(type) {
	case *RPDO:
		pdo = v.pdo
		if stream.SubIndex == od.SubPdoSyncStart {
			return od.ErrSubNotExist
		}
	case *TPDO:
		pdo = v.pdo
	default:
		return od.ErrDevIncompat
	}

	if stream.SubIndex != od.SubPdoCobId {
		return nil
	}
	if *countRead != 4 {
		return od.ErrTypeMismatch
	}

	cobId := binary.LittleEndian.Uint32(data)
	canId := uint16(cobId & CobIdCanIdMask)
	baseId := pdo.predefinedId & CanIdWithoutNodeIdMask

	if canId != 0 && canId == baseId {
		cobId = (cobId & 0xFFFF0000) | uint32(pdo.predefinedId)
	}
	if !pdo.Valid {
		cobId |= CobIdValidBit
	}
	binary.LittleEndian.PutUint32(data, cobId)
	return nil
}

// writeEntry16xxOr1Axx validates and applies a write to a mapping
// parameter entry (0x16xx/0x1Axx), refer to CiA 301 ch. 7.5.2.36 & 7.5.2.38.
func writeEntry16xxOr1Axx(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || stream.SubIndex > od.MaxMappedEntriesPdo {
		return od.ErrDevIncompat
	}
	var pdo *PDOCommon
	switch v := stream.Object.(type) {
	case *RPDO:
		pdo = v.pdo
	case *TPDO:
		pdo = v.pdo
	default:
		return od.ErrDevIncompat
	}

	// PDO must be disabled in order to allow mapping, and the individual
	// entries may only be written while the mapping count is zero.
	if pdo.Valid || (pdo.nbMapped != 0 && stream.SubIndex > 0) {
		return od.ErrUnsuppAccess
	}

	if stream.SubIndex != 0 {
		if err := pdo.configureMap(binary.LittleEndian.Uint32(data), uint32(stream.SubIndex)-1, pdo.IsRPDO); err != nil {
			return err
		}
		return od.WriteEntryDefault(stream, data, countWritten)
	}

	nbMapped := data[0]
	if nbMapped > od.MaxMappedEntriesPdo {
		return od.ErrMapLen
	}

	pdoDataLength := uint32(0)
	for i := uint8(0); i < nbMapped; i++ {
		streamer := &pdo.streamers[i]
		if streamer.DataOffset > streamer.DataLength {
			return od.ErrNoMap
		}
		pdoDataLength += streamer.DataOffset
	}
	if pdoDataLength > uint32(MaxPdoLength) {
		return od.ErrMapLen
	}
	if pdoDataLength == 0 && nbMapped > 0 {
		return od.ErrInvalidValue
	}

	pdo.dataLength = pdoDataLength
	pdo.nbMapped = nbMapped
	pdo.logger.Debug("updated number of mapped objects", "count", nbMapped, "lengthBytes", pdo.dataLength)

	return od.WriteEntryDefault(stream, data, countWritten)
}

// WriteDummy accepts and discards a write into a dummy-mapped (sub-0x20)
// padding slot.
func WriteDummy(stream *od.Stream, data []byte, countWritten *uint16) error {
	*countWritten = uint16(len(data))
	return nil
}

// ReadDummy reads a dummy-mapped padding slot back as zero bytes.
func ReadDummy(stream *od.Stream, data []byte, countRead *uint16) error {
	if len(data) > len(stream.Data) {
		*countRead = uint16(len(stream.Data))
		return nil
	}
	*countRead = uint16(len(data))
	return nil
}
