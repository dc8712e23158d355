package emergency

import (
	"encoding/binary"

	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/pkg/od"
)

// readEntry1003 returns, at sub-index 0, the number of valid history
// entries, and at sub-index N the N-th most recent packed error word.
func readEntry1003(stream *od.Stream, data []byte, countRead *uint16) error {
	em, ok := stream.Object.(*EMCY)
	if !ok {
		return od.ErrDevIncompat
	}
	if stream.SubIndex == 0 {
		if len(data) < 1 {
			return od.ErrDevIncompat
		}
		data[0] = byte(em.histCount)
		*countRead = 1
		return nil
	}
	if int(stream.SubIndex) > em.histCount {
		return od.ErrNoData
	}
	if len(data) < 4 {
		return od.ErrDevIncompat
	}
	binary.LittleEndian.PutUint32(data, em.history[stream.SubIndex-1].msg)
	*countRead = 4
	return nil
}

// writeEntry1003 clears the history ring; only a write of 0 to sub-index 0
// is accepted, per CiA 301 §7.5.2.9.
func writeEntry1003(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream.SubIndex != 0 || len(data) != 1 {
		return od.ErrDevIncompat
	}
	if data[0] != 0 {
		return od.ErrInvalidValue
	}
	em, ok := stream.Object.(*EMCY)
	if !ok {
		return od.ErrDevIncompat
	}
	em.histCount = 0
	*countWritten = 1
	return nil
}

func readEntry1014(stream *od.Stream, data []byte, countRead *uint16) error {
	em, ok := stream.Object.(*EMCY)
	if !ok || len(data) < 4 {
		return od.ErrDevIncompat
	}
	var canId uint16
	if em.producerIdent == ServiceId {
		canId = ServiceId + uint16(em.nodeId)
	} else {
		canId = em.producerIdent
	}
	cobId := uint32(canId)
	if !em.producerEnabled {
		cobId |= 0x80000000
	}
	binary.LittleEndian.PutUint32(data, cobId)
	*countRead = 4
	return nil
}

// writeEntry1014 updates the emergency producer COB-ID; the identifier
// itself cannot change while the producer is already enabled.
func writeEntry1014(stream *od.Stream, data []byte, countWritten *uint16) error {
	em, ok := stream.Object.(*EMCY)
	if !ok || len(data) != 4 {
		return od.ErrDevIncompat
	}
	cobId := binary.LittleEndian.Uint32(data)
	newCanId := cobId & 0x7FF
	var currentCanId uint16
	if em.producerIdent == ServiceId {
		currentCanId = ServiceId + uint16(em.nodeId)
	} else {
		currentCanId = em.producerIdent
	}
	newEnabled := (cobId&0x80000000) == 0 && newCanId != 0
	if cobId&0x7FFFF800 != 0 || canopen.IsIDRestricted(uint16(newCanId)) ||
		(em.producerEnabled && newEnabled && newCanId != uint32(currentCanId)) {
		return od.ErrInvalidValue
	}
	em.producerEnabled = newEnabled
	if newCanId == uint32(ServiceId)+uint32(em.nodeId) {
		em.producerIdent = ServiceId
	} else {
		em.producerIdent = uint16(newCanId)
	}
	if newEnabled {
		em.txCobID = newCanId
	}
	return od.WriteEntryDefault(stream, data, countWritten)
}

// writeEntry1015 updates the emergency inhibit time (units of 100us).
func writeEntry1015(stream *od.Stream, data []byte, countWritten *uint16) error {
	em, ok := stream.Object.(*EMCY)
	if !ok || stream.SubIndex != 0 || len(data) != 2 {
		return od.ErrDevIncompat
	}
	em.inhibitTimeUs = uint32(binary.LittleEndian.Uint16(data)) * 100
	em.inhibitTimer = 0
	return od.WriteEntryDefault(stream, data, countWritten)
}
