package nmt

import (
	"encoding/binary"

	"github.com/cankit/cocore/pkg/od"
)

// writeEntry1017 applies a write to the producer heartbeat time (0x1017),
// rescheduling the timer with the new period.
func writeEntry1017(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || stream.SubIndex != 0 || len(data) != 2 {
		return od.ErrDevIncompat
	}
	n, ok := stream.Object.(*NMT)
	if !ok {
		return od.ErrDevIncompat
	}

	n.heartbeatProducerTimeUs = uint32(binary.LittleEndian.Uint16(data)) * 1000
	n.scheduleHeartbeatTimer()
	n.logger.Debug("updated heartbeat producer period", "periodUs", n.heartbeatProducerTimeUs)
	return od.WriteEntryDefault(stream, data, countWritten)
}
