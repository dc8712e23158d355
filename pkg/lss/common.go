// Package lss implements the CiA 305 LSS slave: a master-driven service for
// assigning a node-id and bit rate to a node that is otherwise only
// identifiable by its four-field identity (vendor, product, revision,
// serial).
package lss

import "errors"

const (
	ServiceSlaveId     = 0x7E4
	ServiceMasterId    = 0x7E5
	NodeIdUnconfigured = 0xFF
	NodeIdMin          = 0x1
	NodeIdMax          = 0x7F
)

var (
	ErrTimeout       = errors.New("no answer received")
	ErrInvalidNodeId = errors.New("invalid node id")
)

type LSSMode uint8

const (
	ModeWaiting       LSSMode = 0
	ModeConfiguration LSSMode = 1
)

type LSSCommand uint8

const (
	// Switch mode services, used to connect master & slave for configuration.
	CmdSwitchStateGlobal            LSSCommand = 4
	CmdSwitchStateSelectiveVendor   LSSCommand = 64
	CmdSwitchStateSelectiveProduct  LSSCommand = 65
	CmdSwitchStateSelectiveRevision LSSCommand = 66
	CmdSwitchStateSelectiveSerialNb LSSCommand = 67
	CmdSwitchStateSelectiveResult   LSSCommand = 68

	// Fast-scan, a single-command bit-partitioned identification service.
	CmdFastscan LSSCommand = 81

	// Configuration services, only available in configuration mode.
	CmdConfigureNodeId            LSSCommand = 17
	CmdConfigureBitTiming         LSSCommand = 19
	CmdConfigureActivateBitTiming LSSCommand = 21
	CmdConfigureStoreParameters   LSSCommand = 23

	// Inquiry services, only available in configuration mode.
	CmdInquireVendor   LSSCommand = 90
	CmdInquireProduct  LSSCommand = 91
	CmdInquireRevision LSSCommand = 92
	CmdInquireSerial   LSSCommand = 93
	CmdInquireNodeId   LSSCommand = 94
)

const (
	ConfigNodeIdOk           = 0
	ConfigNodeIdOutOfRange   = 1
	ConfigNodeIdManufacturer = 0xFF
)

// fastscanBitCheckFull marks a fast-scan request asking for a match of the
// whole 32-bit field rather than of the bits from bit-check upwards.
const fastscanBitCheckFull = 128

// Identity is a node's four-field LSS address, read from dictionary entries
// 0x1018:1..4 (vendor, product code, revision, serial number).
type Identity struct {
	VendorId       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32
}

// field returns the identity field fast-scan addresses by idNumber (0..3,
// in the order vendor, product, revision, serial), and ok=false for any
// other value.
func (id Identity) field(idNumber uint8) (uint32, bool) {
	switch idNumber {
	case 0:
		return id.VendorId, true
	case 1:
		return id.ProductCode, true
	case 2:
		return id.RevisionNumber, true
	case 3:
		return id.SerialNumber, true
	default:
		return 0, false
	}
}

type LSSMessage struct {
	raw [8]byte
}

func (m *LSSMessage) Command() LSSCommand {
	return LSSCommand(m.raw[0])
}

type LSSState uint8

// LSS states as defined by CiA 305.
const (
	// StateWaiting: the LSS slave may be identified but its node-id and bit
	// rate are not configurable. Operates on its active bit rate.
	StateWaiting LSSState = 1
	// StateConfiguration: node-id and bit rate may be configured.
	StateConfiguration LSSState = 2
)

func (state LSSState) String() string {
	switch state {
	case StateWaiting:
		return "WAITING"
	case StateConfiguration:
		return "CONFIGURATION"
	default:
		return "UNKNOWN"
	}
}
