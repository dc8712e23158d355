package lss

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/pkg/od"
)

// CmdFastscanResponse is the command specifier a slave replies with on a
// narrowing fast-scan match, distinct from the selective-switch result
// code (68).
const CmdFastscanResponse LSSCommand = 79

// Callback is invoked after a node-id has been validated by a configure
// node-id request, so the application can persist it.
type Callback func(nodeId uint8)

// LSSSlave implements the CiA 305 slave side of LSS: identification by
// global or selective switch, fast-scan, and configuration of the node-id
// while in Configuration state. Bit-timing, activate-bit-timing and
// store-configuration requests are logged and ignored, with no response
// frame. Handle runs synchronously from
// NodeProcessFrame; there is no internal goroutine or channel.
type LSSSlave struct {
	bm              *canopen.BusManager
	logger          *slog.Logger
	address         Identity
	addressSwitch   Identity
	activeNodeId    uint8
	pendingNodeId   uint8
	state           LSSState
	onNodeIdChanged Callback
}

// Handle processes one received LSS master frame.
func (l *LSSSlave) Handle(frame canopen.Frame) {
	if frame.DLC != 8 {
		return
	}
	msg := LSSMessage{raw: frame.Data}
	prevState := l.state
	if err := l.processRequest(msg); err != nil {
		l.logger.Warn("error processing request", "cmd", msg.Command(), "error", err)
	}
	if l.state != prevState {
		l.logger.Info("slave moved from state", "previous", prevState.String(), "current", l.state.String())
	}
}

// GetState returns the current LSS state.
func (l *LSSSlave) GetState() LSSState {
	return l.state
}

// processRequest dispatches one request depending on the current state.
// Configuration and inquiry commands are rejected (silently ignored) while
// Waiting, per CiA 305.
func (l *LSSSlave) processRequest(rx LSSMessage) error {
	cmd := rx.Command()
	switch {
	case (cmd >= CmdSwitchStateSelectiveVendor && cmd <= CmdSwitchStateSelectiveResult) || cmd == CmdSwitchStateGlobal:
		return l.processSwitchStateService(rx)

	case cmd == CmdFastscan:
		return l.processFastscan(rx)

	case cmd >= CmdConfigureNodeId && cmd <= CmdConfigureStoreParameters:
		if l.state != StateConfiguration {
			return nil
		}
		return l.processConfigurationService(rx)

	case cmd >= CmdInquireVendor && cmd <= CmdInquireNodeId:
		if l.state != StateConfiguration {
			return nil
		}
		return l.processInquiryService(cmd)
	}
	return nil
}

// processSwitchStateService handles the global switch (code 4) and the
// four-step selective switch (codes 64..67).
func (l *LSSSlave) processSwitchStateService(msg LSSMessage) error {
	switch msg.Command() {
	case CmdSwitchStateGlobal:
		switch LSSMode(msg.raw[1]) {
		case ModeWaiting:
			l.state = StateWaiting
		case ModeConfiguration:
			l.state = StateConfiguration
		default:
			l.logger.Warn("switch mode unknown", "mode", msg.raw[1])
		}

	case CmdSwitchStateSelectiveVendor:
		l.addressSwitch.VendorId = binary.LittleEndian.Uint32(msg.raw[1:5])

	case CmdSwitchStateSelectiveProduct:
		l.addressSwitch.ProductCode = binary.LittleEndian.Uint32(msg.raw[1:5])

	case CmdSwitchStateSelectiveRevision:
		l.addressSwitch.RevisionNumber = binary.LittleEndian.Uint32(msg.raw[1:5])

	case CmdSwitchStateSelectiveSerialNb:
		l.addressSwitch.SerialNumber = binary.LittleEndian.Uint32(msg.raw[1:5])
		if l.addressSwitch == l.address {
			l.state = StateConfiguration
			return l.Send([8]byte{byte(CmdSwitchStateSelectiveResult)})
		}
	}
	return nil
}

// processFastscan handles the bit-partitioned identification service
// (command 81): idNumberValue in bytes 1..4, bit-check in byte 5, the
// id-number under test (lssSub) in byte 6, and the id-number to move to
// next (lssNext) in byte 7. bit-check 0..31 compares the bits from bit-check
// up to bit 31 (lower bits are ignored), and 128 asks for a full 32-bit
// match; anything else is silently rejected. A
// match responds with CmdFastscanResponse; a narrowing match on the last
// field (lssSub == lssNext with a full match) completes identification and
// moves the slave into Configuration.
func (l *LSSSlave) processFastscan(msg LSSMessage) error {
	idNumberValue := binary.LittleEndian.Uint32(msg.raw[1:5])
	bitCheck := msg.raw[5]
	lssSub := msg.raw[6]
	lssNext := msg.raw[7]

	if bitCheck > 31 && bitCheck != fastscanBitCheckFull {
		return nil
	}
	fieldValue, ok := l.address.field(lssSub)
	if !ok {
		return nil
	}

	var matched bool
	if bitCheck == fastscanBitCheckFull {
		matched = fieldValue == idNumberValue
	} else {
		mask := ^uint32(0) << bitCheck
		matched = (fieldValue & mask) == (idNumberValue & mask)
	}
	if !matched {
		return nil
	}

	if err := l.Send([8]byte{byte(CmdFastscanResponse)}); err != nil {
		return err
	}
	if bitCheck == fastscanBitCheckFull && lssSub == lssNext {
		l.state = StateConfiguration
	}
	return nil
}

// processInquiryService answers an identity or node-id inquiry.
func (l *LSSSlave) processInquiryService(cmd LSSCommand) error {
	data := [8]byte{byte(cmd)}
	switch cmd {
	case CmdInquireVendor:
		binary.LittleEndian.PutUint32(data[1:], l.address.VendorId)
	case CmdInquireProduct:
		binary.LittleEndian.PutUint32(data[1:], l.address.ProductCode)
	case CmdInquireRevision:
		binary.LittleEndian.PutUint32(data[1:], l.address.RevisionNumber)
	case CmdInquireSerial:
		binary.LittleEndian.PutUint32(data[1:], l.address.SerialNumber)
	case CmdInquireNodeId:
		data[1] = l.activeNodeId
	default:
		return fmt.Errorf("unknown LSS command %v", cmd)
	}
	return l.Send(data)
}

// processConfigurationService handles node-id configuration, valid only in
// Configuration state. Bit-timing, activate-bit-timing and store requests
// are logged as unsupported and get no response.
func (l *LSSSlave) processConfigurationService(msg LSSMessage) error {
	switch msg.Command() {
	case CmdConfigureBitTiming, CmdConfigureActivateBitTiming, CmdConfigureStoreParameters:
		l.logger.Warn("unsupported configuration command", "cmd", msg.Command())
		return nil

	case CmdConfigureNodeId:
		nodeId := msg.raw[1]
		if !(nodeId >= NodeIdMin && nodeId <= NodeIdMax || nodeId == NodeIdUnconfigured) {
			l.logger.Warn("requested node id is out of range", "id", nodeId)
			return l.Send([8]byte{byte(msg.Command()), ConfigNodeIdOutOfRange})
		}
		l.pendingNodeId = nodeId
		l.activeNodeId = nodeId
		if l.onNodeIdChanged != nil {
			l.onNodeIdChanged(nodeId)
		}
		return l.Send([8]byte{byte(msg.Command()), ConfigNodeIdOk})

	default:
		return fmt.Errorf("unknown LSS command %v", msg.Command())
	}
}

// Send transmits a response frame on the well-known LSS slave identifier.
func (l *LSSSlave) Send(data [8]byte) error {
	frame := canopen.NewFrame(ServiceSlaveId, false, 8)
	frame.Data = data
	return l.bm.Send(frame)
}

// NewLSSSlave constructs an LSS slave from the identity object (0x1018)
// and the node's current node-id. onNodeIdChanged, if non-nil, is called
// whenever a configure node-id request validates successfully.
func NewLSSSlave(bm *canopen.BusManager, logger *slog.Logger, identity *od.Entry, nodeId uint8, onNodeIdChanged Callback) (*LSSSlave, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &LSSSlave{bm: bm, logger: logger.With("service", "lss"), onNodeIdChanged: onNodeIdChanged}

	var err error
	l.address.VendorId, err = identity.Uint32(1)
	if err != nil {
		return nil, err
	}
	l.address.ProductCode, err = identity.Uint32(2)
	if err != nil {
		return nil, err
	}
	l.address.RevisionNumber, err = identity.Uint32(3)
	if err != nil {
		return nil, err
	}
	l.address.SerialNumber, err = identity.Uint32(4)
	if err != nil {
		return nil, err
	}

	l.state = StateWaiting
	if _, err := bm.Subscribe(ServiceMasterId, false, l); err != nil {
		return nil, err
	}
	l.activeNodeId = nodeId
	l.pendingNodeId = nodeId
	return l, nil
}
