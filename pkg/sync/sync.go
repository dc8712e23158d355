// Package sync implements the CiA 301 SYNC producer/consumer: a periodic
// zero-or-one-byte frame that drives synchronous PDO transmission and
// reception across the network.
package sync

import (
	"log/slog"

	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/pkg/emergency"
	"github.com/cankit/cocore/pkg/od"
)

// SYNC event status, returned by Tick.
const (
	EventNone         uint8 = 0 // no SYNC event this tick
	EventRxOrTx       uint8 = 1 // SYNC was received or transmitted this tick
	EventPassedWindow uint8 = 2 // the synchronous window (0x1007) just elapsed
)

// SYNC tracks the communication cycle timer and, as consumer, the most
// recently received counter value. There is no internal locking: Handle
// runs from NodeProcessFrame, Tick from NodeTick, never concurrently.
type SYNC struct {
	bm                         *canopen.BusManager
	logger                     *slog.Logger
	emcy                       *emergency.EMCY
	rxNew                      bool
	receiveError               uint8
	rxToggle                   bool
	timeoutError               uint8
	counterOverflow            uint8
	counter                    uint8
	syncIsOutsideWindow        bool
	timerUs                    uint32
	communicationCyclePeriodUs uint32
	synchronousWindowLengthUs  uint32
	isProducer                 bool
	cobId                      uint32
	txBuffer                   canopen.Frame
	rxCancel                   func()
}

// Handle processes a received SYNC frame.
func (sync *SYNC) Handle(frame canopen.Frame) {
	syncReceived := false
	if sync.counterOverflow == 0 {
		if frame.DLC == 0 {
			syncReceived = true
		} else {
			sync.receiveError = frame.DLC | 0x40
		}
	} else {
		if frame.DLC == 1 {
			sync.counter = frame.Data[0]
			syncReceived = true
		} else {
			sync.receiveError = frame.DLC | 0x80
		}
	}
	if syncReceived {
		sync.rxToggle = !sync.rxToggle
		sync.rxNew = true
	}
}

func (sync *SYNC) send() {
	sync.counter++
	if sync.counter > sync.counterOverflow {
		sync.counter = 1
	}
	sync.timerUs = 0
	sync.rxToggle = !sync.rxToggle
	sync.txBuffer.Data[0] = sync.counter
	_ = sync.bm.Send(sync.txBuffer)
}

func (sync *SYNC) Counter() uint8 { return sync.counter }

func (sync *SYNC) RxToggle() bool { return sync.rxToggle }

func (sync *SYNC) CounterOverflow() uint8 { return sync.counterOverflow }

// Tick advances the cycle timer by elapsedUs, producing or checking for a
// timed-out SYNC as configured, and reports what happened this tick so
// the caller can drive RPDO/TPDO OnSync in the right order. operational
// reflects NMT.IsPreOrOperational: SYNC is inert outside that range.
func (sync *SYNC) Tick(elapsedUs uint32, operational bool) uint8 {
	if !operational {
		sync.rxNew = false
		sync.receiveError = 0
		sync.counter = 0
		sync.timerUs = 0
		return EventNone
	}

	status := EventNone
	timerNew := sync.timerUs + elapsedUs
	if timerNew > sync.timerUs {
		sync.timerUs = timerNew
	}
	if sync.rxNew {
		sync.timerUs = 0
		sync.rxNew = false
		status = EventRxOrTx
	}

	if sync.communicationCyclePeriodUs > 0 {
		if sync.isProducer {
			if sync.timerUs >= sync.communicationCyclePeriodUs {
				status = EventRxOrTx
				sync.send()
			}
		} else if sync.timeoutError == 1 {
			periodTimeout := sync.communicationCyclePeriodUs + sync.communicationCyclePeriodUs>>1
			if periodTimeout < sync.communicationCyclePeriodUs {
				periodTimeout = 0xFFFFFFFF
			}
			if sync.timerUs > periodTimeout {
				sync.emcy.Error(true, emergency.EmSyncTimeOut, emergency.ErrCommunication, sync.timerUs)
				sync.logger.Warn("sync timeout", "timerUs", sync.timerUs)
				sync.timeoutError = 2
			}
		}
	}

	if sync.synchronousWindowLengthUs > 0 && sync.timerUs > sync.synchronousWindowLengthUs {
		if !sync.syncIsOutsideWindow {
			status = EventPassedWindow
		}
		sync.syncIsOutsideWindow = true
	} else {
		sync.syncIsOutsideWindow = false
	}

	if sync.receiveError != 0 {
		sync.emcy.Error(true, emergency.EmSyncLength, emergency.ErrSyncDataLength, uint32(sync.receiveError))
		sync.logger.Warn("sync receive error", "dlc", sync.receiveError&0x3F)
		sync.receiveError = 0
	}
	if status == EventRxOrTx {
		if sync.timeoutError == 2 {
			sync.emcy.Error(false, emergency.EmSyncTimeOut, 0, 0)
			sync.logger.Info("sync timeout cleared")
		}
		sync.timeoutError = 1
	}
	return status
}

func (sync *SYNC) subscribe(canId uint32) error {
	if sync.rxCancel != nil {
		sync.rxCancel()
		sync.rxCancel = nil
	}
	cancel, err := sync.bm.Subscribe(canId, false, sync)
	if err != nil {
		return err
	}
	sync.rxCancel = cancel
	return nil
}

// NewSYNC constructs the SYNC service from its COB-ID (0x1005),
// communication cycle period (0x1006), synchronous window length
// (0x1007), and the optional synchronous counter overflow (0x1019).
func NewSYNC(
	bm *canopen.BusManager,
	logger *slog.Logger,
	emcy *emergency.EMCY,
	entry1005 *od.Entry,
	entry1006 *od.Entry,
	entry1007 *od.Entry,
	entry1019 *od.Entry,
) (*SYNC, error) {
	if bm == nil || entry1005 == nil || entry1006 == nil || entry1007 == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}

	sync := &SYNC{bm: bm, logger: logger.With("service", "sync"), emcy: emcy}

	cobIdSync, err := entry1005.Uint32(0)
	if err != nil {
		sync.logger.Error("reading cob-id failed", "index", entry1005.Index, "error", err)
		return nil, canopen.ErrOdParameters
	}
	entry1005.AddExtension(sync, od.ReadEntryDefault, writeEntry1005)

	sync.communicationCyclePeriodUs, err = entry1006.Uint32(0)
	if err != nil {
		sync.logger.Error("reading communication cycle period failed", "index", entry1006.Index, "error", err)
		return nil, canopen.ErrOdParameters
	}
	entry1006.AddExtension(sync, od.ReadEntryDefault, writeEntry1006)

	sync.synchronousWindowLengthUs, err = entry1007.Uint32(0)
	if err != nil {
		sync.logger.Error("reading synchronous window length failed", "index", entry1007.Index, "error", err)
		return nil, canopen.ErrOdParameters
	}
	entry1007.AddExtension(sync, od.ReadEntryDefault, writeEntry1007)

	var syncCounterOverflow uint8
	if entry1019 != nil {
		syncCounterOverflow, err = entry1019.Uint8(0)
		if err != nil {
			sync.logger.Error("reading counter overflow failed", "index", entry1019.Index, "error", err)
			return nil, canopen.ErrOdParameters
		}
		if syncCounterOverflow == 1 {
			syncCounterOverflow = 2
		} else if syncCounterOverflow > 240 {
			syncCounterOverflow = 240
		}
		entry1019.AddExtension(sync, od.ReadEntryDefault, writeEntry1019)
	}
	sync.counterOverflow = syncCounterOverflow
	sync.isProducer = (cobIdSync & 0x40000000) != 0
	sync.cobId = cobIdSync & 0x7FF

	if err := sync.subscribe(sync.cobId); err != nil {
		return nil, err
	}
	var frameSize uint8
	if syncCounterOverflow != 0 {
		frameSize = 1
	}
	sync.txBuffer = canopen.NewFrame(sync.cobId, false, frameSize)
	sync.logger.Debug("finished initializing", "cobId", sync.cobId, "isProducer", sync.isProducer)
	return sync, nil
}
