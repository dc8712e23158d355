// Package pdo implements the CiA 301 process data object service: fixed
// mapping of up to eight bytes of dictionary entries into a single CAN
// frame, transmitted or received either on SYNC or acyclically/event-driven.
package pdo

import (
	"fmt"
	"log/slog"

	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/pkg/emergency"
	"github.com/cankit/cocore/pkg/od"
)

const (
	MaxPdoLength  uint8 = 8
	MinRpdoNumber       = od.MinPdoNumber
	MaxRpdoNumber       = uint16(256)
	MinTpdoNumber       = MaxRpdoNumber + 1
	MaxTpdoNumber       = od.MaxPdoNumber
)

const (
	TransmissionTypeSyncAcyclic = 0    // synchronous (acyclic)
	TransmissionTypeSync1       = 1    // synchronous (cyclic every sync)
	TransmissionTypeSync240     = 0xF0 // synchronous (cyclic every 240-th sync)
	TransmissionTypeSyncEventLo = 0xFE // event-driven, device profile specific
	TransmissionTypeSyncEventHi = 0xFF // event-driven, manufacturer specific
)

// PDOCommon holds the mapping table and COB-ID state shared by RPDO and
// TPDO: up to od.MaxMappedEntriesPdo streamers pointing at dictionary
// variables (or a dummy padding slot for sub-0x20 mapping targets).
type PDOCommon struct {
	od           *od.ObjectDictionary
	logger       *slog.Logger
	emcy         *emergency.EMCY
	streamers    [od.MaxMappedEntriesPdo]od.Streamer
	Valid        bool
	dataLength   uint32
	nbMapped     uint8
	IsRPDO       bool
	predefinedId uint16
	configuredId uint16
}

func (base *PDOCommon) attribute() uint16 {
	if base.IsRPDO {
		return od.AttributeRpdo
	}
	return od.AttributeTpdo
}

func (base *PDOCommon) Type() string {
	if base.IsRPDO {
		return "RPDO"
	}
	return "TPDO"
}

// configureMap installs one mapping slot from a packed (index, subIndex,
// mappedLengthBits) mapping parameter, done at startup and again whenever
// the mapping parameter object is rewritten.
func (pdo *PDOCommon) configureMap(mapParam uint32, mapIndex uint32, isRPDO bool) error {
	index := uint16(mapParam >> 16)
	subIndex := byte(mapParam >> 8)
	mappedLengthBits := byte(mapParam)
	mappedLength := mappedLengthBits >> 3
	streamer := &pdo.streamers[mapIndex]

	if mappedLength > MaxPdoLength {
		pdo.logger.Warn("mapped parameter is too long", "index", fmt.Sprintf("x%x", index), "subindex", subIndex, "length", mappedLength)
		return od.ErrMapLen
	}
	// Dummy entries map to "fake" entries: padding that reads/writes as zero.
	if index < 0x20 && subIndex == 0 {
		streamer.ResetData(uint32(mappedLength), uint32(mappedLength))
		streamer.SetWriter(WriteDummy)
		streamer.SetReader(ReadDummy)
		return nil
	}

	entry, err := pdo.od.Index(index)
	if err != nil {
		pdo.logger.Warn("mapping failed: no such entry", "index", fmt.Sprintf("x%x", index), "subindex", subIndex)
		return err
	}
	streamerCopy, err := od.NewStreamer(entry, subIndex, false)
	if err != nil {
		pdo.logger.Warn("mapping failed", "index", fmt.Sprintf("x%x", index), "subindex", subIndex, "error", err)
		return err
	}

	switch {
	case !streamerCopy.HasAttribute(pdo.attribute()):
		pdo.logger.Warn("mapping failed: attribute error", "index", fmt.Sprintf("x%x", index), "subindex", subIndex)
		return od.ErrNoMap
	case (mappedLengthBits & 0x07) != 0:
		pdo.logger.Warn("mapping failed: alignment error", "index", fmt.Sprintf("x%x", index), "subindex", subIndex)
		return od.ErrNoMap
	case streamerCopy.DataLength < uint32(mappedLength):
		pdo.logger.Warn("mapping failed: length error", "index", fmt.Sprintf("x%x", index), "subindex", subIndex)
		return od.ErrNoMap
	}

	streamer.SetStream(streamerCopy.Stream)
	streamer.SetReader(streamerCopy.Reader())
	streamer.SetWriter(streamerCopy.Writer())
	streamer.DataOffset = uint32(mappedLength)
	pdo.logger.Debug("mapping updated", "index", fmt.Sprintf("x%x", index), "subindex", subIndex)
	return nil
}

// NewPDO reads the mapping parameter entry's sub-index 0 (count) and 1..8
// (mapping words), installing each via configureMap. A failed individual
// mapping is not fatal at construction: it is recorded in *erroneousMap so
// the caller (NewRPDO/NewTPDO) can report it once the COB-ID is known.
func NewPDO(
	odict *od.ObjectDictionary,
	logger *slog.Logger,
	entry *od.Entry,
	isRPDO bool,
	em *emergency.EMCY,
	erroneousMap *uint32,
) (*PDOCommon, error) {
	pdo := &PDOCommon{od: odict, emcy: em, IsRPDO: isRPDO}
	if logger == nil {
		logger = slog.Default()
	}
	if isRPDO {
		pdo.logger = logger.With("service", "rpdo")
	} else {
		pdo.logger = logger.With("service", "tpdo")
	}

	mappedObjectsCount, err := entry.Uint8(0)
	if err != nil {
		pdo.logger.Error("reading nb mapped objects failed", "index", fmt.Sprintf("x%x", entry.Index), "error", err)
		return nil, canopen.ErrOdParameters
	}

	pdoDataLength := uint32(0)
	for i := range pdo.streamers {
		streamer := &pdo.streamers[i]
		mapParam, err := entry.Uint32(uint8(i) + 1)
		if err == od.ErrSubNotExist {
			continue
		}
		if err != nil {
			pdo.logger.Error("reading mapped objects failed", "index", fmt.Sprintf("x%x", entry.Index), "subindex", i+1, "error", err)
			return nil, canopen.ErrOdParameters
		}
		if err := pdo.configureMap(mapParam, uint32(i), isRPDO); err != nil {
			streamer.ResetData(0, 0xFF)
			if *erroneousMap == 0 {
				*erroneousMap = mapParam
			}
		}
		if i < int(mappedObjectsCount) {
			pdoDataLength += streamer.DataOffset
		}
	}

	if pdoDataLength > uint32(MaxPdoLength) || (pdoDataLength == 0 && mappedObjectsCount > 0) {
		if *erroneousMap == 0 {
			*erroneousMap = 1
		}
	}
	if *erroneousMap == 0 {
		pdo.dataLength = pdoDataLength
		pdo.nbMapped = mappedObjectsCount
	}
	return pdo, nil
}
