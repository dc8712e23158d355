// Package nmt implements the CiA 301 network management slave state
// machine: Initializing/Pre-operational/Operational/Stopped, driven by
// NMT command frames and producing a cyclic heartbeat.
package nmt

import (
	"fmt"
	"log/slog"

	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/pkg/emergency"
	"github.com/cankit/cocore/pkg/od"
	"github.com/cankit/cocore/pkg/timer"
)

const (
	StartupToOperational uint16 = 0x0100
)

const ServiceId = 0

// NMT slave states (CiA 301 table 63).
const (
	StateInitializing   uint8 = 0
	StatePreOperational uint8 = 127
	StateOperational    uint8 = 5
	StateStopped        uint8 = 4
	StateUnknown        uint8 = 255
)

var stateMap = map[uint8]string{
	StateInitializing:   "INITIALIZING",
	StatePreOperational: "PRE-OPERATIONAL",
	StateOperational:    "OPERATIONAL",
	StateStopped:        "STOPPED",
	StateUnknown:        "UNKNOWN",
}

// Pending reset requests, surfaced to the node façade via GetPendingReset.
const (
	ResetNot  uint8 = 0
	ResetComm uint8 = 1
	ResetApp  uint8 = 2
	ResetQuit uint8 = 3
)

// Command is an NMT command, broadcast to all nodes (node-id 0) or
// addressed to a single one.
type Command uint8

const (
	CommandEmpty               Command = 0
	CommandEnterOperational    Command = 1
	CommandEnterStopped        Command = 2
	CommandEnterPreOperational Command = 128
	CommandResetNode           Command = 129
	CommandResetCommunication  Command = 130
)

var CommandDescription = map[Command]string{
	CommandEnterOperational:    "ENTER-OPERATIONAL",
	CommandEnterStopped:        "ENTER-STOPPED",
	CommandEnterPreOperational: "ENTER-PREOPERATIONAL",
	CommandResetNode:           "RESET-NODE",
	CommandResetCommunication:  "RESET-COMMUNICATION",
}

type stateCallback struct {
	id uint64
	fn func(nmtState uint8)
}

// NMT drives the slave state machine and heartbeat production. There is
// no internal locking: Handle runs from NodeProcessFrame and the heartbeat
// timer callback runs from NodeTick (via the shared timer.Timer's
// Service), and the two never overlap under the single-threaded
// cooperative model.
type NMT struct {
	bm                      *canopen.BusManager
	logger                  *slog.Logger
	tmr                     *timer.Timer
	emcy                    *emergency.EMCY
	operatingState          uint8
	nodeId                  uint8
	control                 uint16
	heartbeatProducerTimeUs uint32
	hbHandle                timer.Handle
	hbScheduled             bool
	resetCommand            uint8
	nmtTxBuff               canopen.Frame
	hbTxBuff                canopen.Frame
	callbacks               []stateCallback
	callbackNextId          uint64
	rxCancel                func()
}

// Handle processes a received NMT command frame.
func (nmt *NMT) Handle(frame canopen.Frame) {
	if frame.DLC != 2 {
		return
	}
	command := Command(frame.Data[0])
	nodeId := frame.Data[1]
	if nodeId == 0 || nodeId == nmt.nodeId {
		nmt.processCommand(command)
	}
}

func (nmt *NMT) processCommand(command Command) {
	newState := nmt.operatingState

	switch command {
	case CommandEnterOperational:
		newState = StateOperational
	case CommandEnterStopped:
		newState = StateStopped
	case CommandEnterPreOperational:
		newState = StatePreOperational
	case CommandResetNode:
		nmt.resetCommand = ResetApp
	case CommandResetCommunication:
		nmt.resetCommand = ResetComm
	}

	if nmt.resetCommand != ResetNot {
		nmt.logger.Debug("reset command pending, handled by node façade", "command", CommandDescription[command])
	}
	if newState != nmt.operatingState {
		nmt.setState(newState)
	}
}

func (nmt *NMT) setState(newState uint8) {
	if newState == nmt.operatingState {
		return
	}
	nmt.logger.Info("nmt state changed", "previous", stateMap[nmt.operatingState], "new", stateMap[newState])
	nmt.operatingState = newState

	// Heartbeat is sent on three events: a producer timeout (cyclic), a
	// state change, and startup.
	nmt.sendHeartbeat()

	for _, cb := range nmt.callbacks {
		cb.fn(newState)
	}
}

// sendHeartbeat transmits the current state as a heartbeat frame and
// restarts the producer timer's cycle, so a state-triggered heartbeat
// pushes the next cyclic one out by a full period.
func (nmt *NMT) sendHeartbeat() {
	nmt.hbTxBuff.Data[0] = nmt.operatingState
	_ = nmt.send(nmt.hbTxBuff)
	nmt.scheduleHeartbeatTimer()
}

func (nmt *NMT) scheduleHeartbeatTimer() {
	if nmt.hbScheduled {
		_ = nmt.tmr.Delete(nmt.hbHandle)
		nmt.hbScheduled = false
	}
	if nmt.heartbeatProducerTimeUs == 0 {
		return
	}
	h, err := nmt.tmr.Create(nmt.heartbeatProducerTimeUs, nmt.heartbeatProducerTimeUs, nmt.onHeartbeatTimer, nil)
	if err != nil {
		nmt.logger.Error("failed to schedule heartbeat producer", "error", err)
		return
	}
	nmt.hbHandle = h
	nmt.hbScheduled = true
}

func (nmt *NMT) onHeartbeatTimer(arg any) {
	nmt.hbTxBuff.Data[0] = nmt.operatingState
	_ = nmt.send(nmt.hbTxBuff)
}

func (nmt *NMT) send(frame canopen.Frame) error {
	err := nmt.bm.Send(frame)
	if err != nil {
		nmt.logger.Error("failed to send", "err", err)
	}
	return err
}

// GetInternalState reports the current NMT state. Returns StateInitializing
// for a nil receiver, so callers may hold a not-yet-constructed NMT.
func (nmt *NMT) GetInternalState() uint8 {
	if nmt == nil {
		return StateInitializing
	}
	return nmt.operatingState
}

// IsPreOrOperational reports whether the slave is allowed to exchange
// process data (PDO, SYNC) — true in both Pre-operational and Operational.
func (nmt *NMT) IsPreOrOperational() bool {
	return nmt.operatingState == StateOperational || nmt.operatingState == StatePreOperational
}

// GetPendingReset returns and clears any pending reset request raised by
// a received NMT reset command.
func (nmt *NMT) GetPendingReset() uint8 {
	cmd := nmt.resetCommand
	nmt.resetCommand = ResetNot
	return cmd
}

// Reset reinitializes the state machine and re-triggers the boot-up
// heartbeat.
func (nmt *NMT) Reset() {
	nmt.operatingState = StateInitializing
	nmt.Start()
}

// Stop cancels the heartbeat producer timer and clears registered
// callbacks.
func (nmt *NMT) Stop() {
	if nmt.hbScheduled {
		_ = nmt.tmr.Delete(nmt.hbHandle)
		nmt.hbScheduled = false
	}
	nmt.callbacks = nmt.callbacks[:0]
}

// Start enters the initial operating state (Operational or
// Pre-operational, per the control word), sends the boot-up heartbeat, and
// passes the resulting state to every registered state-change callback.
func (nmt *NMT) Start() {
	nmt.sendHeartbeat()
	if nmt.operatingState == StateInitializing {
		if nmt.control&StartupToOperational != 0 {
			nmt.operatingState = StateOperational
		} else {
			nmt.operatingState = StatePreOperational
		}
	}
	for _, cb := range nmt.callbacks {
		cb.fn(nmt.operatingState)
	}
}

// SendInternalCommand applies command locally, without transmitting it on
// the bus.
func (nmt *NMT) SendInternalCommand(command uint8) {
	nmt.processCommand(Command(command))
}

// SendCommand transmits command addressed to nodeId (0 broadcasts to all
// nodes), applying it locally too when it targets this node.
func (nmt *NMT) SendCommand(command Command, nodeId uint8) error {
	if nodeId == 0 || nodeId == nmt.nodeId {
		nmt.processCommand(command)
	}
	nmt.nmtTxBuff.Data[0] = uint8(command)
	nmt.nmtTxBuff.Data[1] = nodeId
	return nmt.send(nmt.nmtTxBuff)
}

// AddStateChangeCallback registers callback to be invoked on every state
// change, returning a cancel func that removes it.
func (nmt *NMT) AddStateChangeCallback(callback func(nmtState uint8)) (cancel func()) {
	id := nmt.callbackNextId
	nmt.callbackNextId++
	nmt.callbacks = append(nmt.callbacks, stateCallback{id: id, fn: callback})

	return func() {
		for i, cb := range nmt.callbacks {
			if cb.id == id {
				nmt.callbacks = append(nmt.callbacks[:i], nmt.callbacks[i+1:]...)
				return
			}
		}
	}
}

// NewNMT constructs the NMT slave service, wires the producer heartbeat
// time (0x1017) extension, and subscribes to NMT command frames.
func NewNMT(
	bm *canopen.BusManager,
	logger *slog.Logger,
	tmr *timer.Timer,
	emcy *emergency.EMCY,
	nodeId uint8,
	control uint16,
	canIdNmtTx uint16,
	canIdNmtRx uint16,
	canIdHbTx uint16,
	entry1017 *od.Entry,
) (*NMT, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if entry1017 == nil || bm == nil || tmr == nil {
		return nil, canopen.ErrIllegalArgument
	}

	n := &NMT{bm: bm, logger: logger.With("service", "nmt"), tmr: tmr, emcy: emcy}
	n.operatingState = StateInitializing
	n.nodeId = nodeId
	n.control = control

	hbProdTimeMs, err := entry1017.Uint16(0)
	if err != nil {
		n.logger.Error("reading producer heartbeat failed", "index", fmt.Sprintf("x%x", entry1017.Index), "error", err)
		return nil, canopen.ErrOdParameters
	}
	n.heartbeatProducerTimeUs = uint32(hbProdTimeMs) * 1000
	entry1017.AddExtension(n, od.ReadEntryDefault, writeEntry1017)

	rxCancel, err := bm.Subscribe(uint32(canIdNmtRx), false, n)
	if err != nil {
		return nil, err
	}
	n.rxCancel = rxCancel
	n.nmtTxBuff = canopen.NewFrame(uint32(canIdNmtTx), false, 2)
	n.hbTxBuff = canopen.NewFrame(uint32(canIdHbTx), false, 1)

	n.Start()
	return n, nil
}
