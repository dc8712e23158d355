package sync

import (
	"encoding/binary"

	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/pkg/od"
)

// writeEntry1005 applies a write to the COB-ID (0x1005), updating the
// producer/consumer role and, if the identifier changed, the subscription.
func writeEntry1005(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || stream.SubIndex != 0 || len(data) != 4 {
		return od.ErrDevIncompat
	}
	sync, ok := stream.Object.(*SYNC)
	if !ok {
		return od.ErrDevIncompat
	}

	cobIdSync := binary.LittleEndian.Uint32(data)
	canId := cobIdSync & 0x7FF
	isProducer := (cobIdSync & 0x40000000) != 0
	if (cobIdSync&0xBFFFF800) != 0 || canopen.IsIDRestricted(uint16(canId)) || (sync.isProducer && isProducer && canId != sync.cobId) {
		return od.ErrInvalidValue
	}

	if canId != sync.cobId {
		if err := sync.subscribe(canId); err != nil {
			return od.ErrDevIncompat
		}
		var frameSize uint8
		if sync.counterOverflow != 0 {
			frameSize = 1
		}
		sync.txBuffer = canopen.NewFrame(canId, false, frameSize)
		sync.cobId = canId
	}
	sync.isProducer = isProducer
	sync.logger.Info("updated cob-id", "cobId", sync.cobId, "isProducer", isProducer)
	return od.WriteEntryDefault(stream, data, countWritten)
}

// writeEntry1006 applies a write to the communication cycle period
// (0x1006), resetting the cycle timer whenever it changes.
func writeEntry1006(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || stream.SubIndex != 0 || len(data) != 4 {
		return od.ErrDevIncompat
	}
	sync, ok := stream.Object.(*SYNC)
	if !ok {
		return od.ErrDevIncompat
	}

	sync.communicationCyclePeriodUs = binary.LittleEndian.Uint32(data)
	sync.timerUs = 0
	sync.logger.Info("updated communication cycle period", "periodUs", sync.communicationCyclePeriodUs)
	return od.WriteEntryDefault(stream, data, countWritten)
}

// writeEntry1007 applies a write to the synchronous window length
// (0x1007).
func writeEntry1007(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || stream.SubIndex != 0 || len(data) != 4 {
		return od.ErrDevIncompat
	}
	sync, ok := stream.Object.(*SYNC)
	if !ok {
		return od.ErrDevIncompat
	}

	sync.synchronousWindowLengthUs = binary.LittleEndian.Uint32(data)
	sync.logger.Info("updated synchronous window length", "lengthUs", sync.synchronousWindowLengthUs)
	return od.WriteEntryDefault(stream, data, countWritten)
}

// writeEntry1019 applies a write to the synchronous counter overflow
// (0x1019). Rejected while a non-zero communication cycle period is
// configured, per CiA 301 §7.5.2.6.
func writeEntry1019(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || len(data) != 1 {
		return od.ErrDevIncompat
	}
	sync, ok := stream.Object.(*SYNC)
	if !ok {
		return od.ErrDevIncompat
	}

	syncCounterOverflow := data[0]
	if syncCounterOverflow == 1 || syncCounterOverflow > 240 {
		return od.ErrInvalidValue
	}
	if sync.communicationCyclePeriodUs != 0 {
		return od.ErrDataDevState
	}

	var frameSize uint8
	if syncCounterOverflow != 0 {
		frameSize = 1
	}
	sync.txBuffer = canopen.NewFrame(sync.cobId, false, frameSize)
	sync.counterOverflow = syncCounterOverflow
	sync.logger.Info("updated synchronous counter overflow", "overflow", syncCounterOverflow)
	return od.WriteEntryDefault(stream, data, countWritten)
}
