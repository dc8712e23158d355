// Package sdo implements the CiA 301 SDO server and client: expedited,
// segmented, and block transfer, driven synchronously from the node's
// two entry points rather than from a background goroutine.
package sdo

import (
	"fmt"

	"github.com/cankit/cocore/pkg/od"
)

type AbortCode uint32

const (
	AbortToggleBit         AbortCode = 0x05030000
	AbortTimeout           AbortCode = 0x05040000
	AbortCmd               AbortCode = 0x05040001
	AbortBlockSize         AbortCode = 0x05040002
	AbortSeqNum            AbortCode = 0x05040003
	AbortCRC               AbortCode = 0x05040004
	AbortOutOfMem          AbortCode = 0x05040005
	AbortUnsupportedAccess AbortCode = 0x06010000
	AbortWriteOnly         AbortCode = 0x06010001
	AbortReadOnly          AbortCode = 0x06010002
	AbortNotExist          AbortCode = 0x06020000
	AbortNoMap             AbortCode = 0x06040041
	AbortMapLen            AbortCode = 0x06040042
	AbortParamIncompat     AbortCode = 0x06040043
	AbortDeviceIncompat    AbortCode = 0x06040047
	AbortHardware          AbortCode = 0x06060000
	AbortTypeMismatch      AbortCode = 0x06070010
	AbortDataLong          AbortCode = 0x06070012
	AbortDataShort         AbortCode = 0x06070013
	AbortSubUnknown        AbortCode = 0x06090011
	AbortInvalidValue      AbortCode = 0x06090030
	AbortValueHigh         AbortCode = 0x06090031
	AbortValueLow          AbortCode = 0x06090032
	AbortMaxLessMin        AbortCode = 0x06090036
	AbortNoResource        AbortCode = 0x060A0023
	AbortGeneral           AbortCode = 0x08000000
	AbortDataTransfer      AbortCode = 0x08000020
	AbortDataLocalControl  AbortCode = 0x08000021
	AbortDataDeviceState   AbortCode = 0x08000022
	AbortDataOD            AbortCode = 0x08000023
	AbortNoData            AbortCode = 0x08000024
)

var abortDescriptions = map[AbortCode]string{
	AbortToggleBit:         "toggle bit not altered",
	AbortTimeout:           "SDO protocol timed out",
	AbortCmd:               "command specifier not valid or unknown",
	AbortBlockSize:         "invalid block size in block mode",
	AbortSeqNum:            "invalid sequence number in block mode",
	AbortCRC:               "CRC error (block mode only)",
	AbortOutOfMem:          "out of memory",
	AbortUnsupportedAccess: "unsupported access to an object",
	AbortWriteOnly:         "attempt to read a write only object",
	AbortReadOnly:          "attempt to write a read only object",
	AbortNotExist:          "object does not exist in the object dictionary",
	AbortNoMap:             "object cannot be mapped to the PDO",
	AbortMapLen:            "number and length of objects to be mapped exceeds PDO length",
	AbortParamIncompat:     "general parameter incompatibility reasons",
	AbortDeviceIncompat:    "general internal incompatibility in device",
	AbortHardware:          "access failed due to hardware error",
	AbortTypeMismatch:      "data type does not match, length does not match",
	AbortDataLong:          "data type does not match, length too high",
	AbortDataShort:         "data type does not match, length too short",
	AbortSubUnknown:        "sub-index does not exist",
	AbortInvalidValue:      "invalid value for parameter",
	AbortValueHigh:         "value range of parameter written too high",
	AbortValueLow:          "value range of parameter written too low",
	AbortMaxLessMin:        "maximum value is less than minimum value",
	AbortNoResource:        "resource not available, SDO connection",
	AbortGeneral:           "general error",
	AbortDataTransfer:      "data cannot be transferred or stored to the application",
	AbortDataLocalControl:  "data cannot be transferred because of local control",
	AbortDataDeviceState:   "data cannot be transferred because of the present device state",
	AbortDataOD:            "object dictionary not present or dynamic generation failed",
	AbortNoData:            "no data available",
}

func (a AbortCode) Error() string {
	return fmt.Sprintf("0x%08X: %s", uint32(a), a.Description())
}

func (a AbortCode) Description() string {
	if s, ok := abortDescriptions[a]; ok {
		return s
	}
	return abortDescriptions[AbortGeneral]
}

var odrToAbort = map[od.ODR]AbortCode{
	od.ErrOutOfMem:     AbortOutOfMem,
	od.ErrUnsuppAccess: AbortUnsupportedAccess,
	od.ErrWriteOnly:    AbortWriteOnly,
	od.ErrReadonly:     AbortReadOnly,
	od.ErrIdxNotExist:  AbortNotExist,
	od.ErrNoMap:        AbortNoMap,
	od.ErrMapLen:       AbortMapLen,
	od.ErrParIncompat:  AbortParamIncompat,
	od.ErrDevIncompat:  AbortDeviceIncompat,
	od.ErrHw:           AbortHardware,
	od.ErrTypeMismatch: AbortTypeMismatch,
	od.ErrDataLong:     AbortDataLong,
	od.ErrDataShort:    AbortDataShort,
	od.ErrSubNotExist:  AbortSubUnknown,
	od.ErrInvalidValue: AbortInvalidValue,
	od.ErrValueHigh:    AbortValueHigh,
	od.ErrValueLow:     AbortValueLow,
	od.ErrMaxLessMin:   AbortMaxLessMin,
	od.ErrNoRessource:  AbortNoResource,
	od.ErrGeneral:      AbortGeneral,
	od.ErrDataTransf:   AbortDataTransfer,
	od.ErrAccessDenied: AbortDataDeviceState,
	od.ErrNoData:       AbortNoData,
}

// ConvertOdToAbort maps an object dictionary error to its SDO abort code,
// falling back to a general device incompatibility abort.
func ConvertOdToAbort(err error) AbortCode {
	odr, ok := err.(od.ODR)
	if !ok {
		return AbortDeviceIncompat
	}
	if abort, ok := odrToAbort[odr]; ok {
		return abort
	}
	return AbortDeviceIncompat
}

const (
	DefaultServerTimeoutUs = 1_000_000
	DefaultClientTimeoutUs = 1_000_000
	ClientBaseID           = 0x600
	ServerBaseID           = 0x580
	BlockSizeMax           = 127
)

// command-byte bit layout, shared between client and server state
// machines.
const (
	ccsInitiateDownload   = 1
	ccsInitiateUpload     = 2
	ccsDownloadSegment    = 0
	ccsUploadSegment      = 3
	ccsBlockDownload      = 6
	ccsBlockUpload        = 5
	scsInitiateDownload   = 3
	scsInitiateUpload     = 2
	scsDownloadSegment    = 1
	scsUploadSegment      = 0
	scsBlockDownload      = 6
	scsBlockUpload        = 6
	abortCommandSpecifier = 0x80
)
