package heartbeat

import (
	"encoding/binary"

	"github.com/cankit/cocore/pkg/od"
)

// writeEntry1016 applies a write to one consumer heartbeat time record
// (0x1016 sub 1..N), reconfiguring the monitored node id and period.
func writeEntry1016(stream *od.Stream, data []byte, countWritten *uint16) error {
	consumer, ok := stream.Object.(*HBConsumer)
	if !ok {
		return od.ErrDevIncompat
	}
	if stream == nil || stream.SubIndex < 1 || int(stream.SubIndex) > len(consumer.entries) || len(data) != 4 {
		return od.ErrDevIncompat
	}

	hbConsValue := binary.LittleEndian.Uint32(data)
	nodeId := uint8(hbConsValue >> 16)
	periodUs := (uint32(hbConsValue) & 0xFFFF) * 1000
	if err := consumer.updateConsumerEntry(stream.SubIndex-1, nodeId, periodUs); err != nil {
		return od.ErrParIncompat
	}
	return od.WriteEntryDefault(stream, data, countWritten)
}
