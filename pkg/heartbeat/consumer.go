// Package heartbeat implements the CiA 301 heartbeat consumer: a bounded
// set of monitored remote nodes, each tracked for liveness and reported
// NMT state, with a timeout raised as an emergency when a monitored node
// goes silent.
package heartbeat

import (
	"fmt"
	"log/slog"

	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/pkg/emergency"
	"github.com/cankit/cocore/pkg/nmt"
	"github.com/cankit/cocore/pkg/od"
	"github.com/cankit/cocore/pkg/timer"
)

const (
	HeartbeatUnconfigured = 0x00 // Consumer entry inactive
	HeartbeatUnknown      = 0x01 // Consumer enabled, but no heartbeat received yet
	HeartbeatActive       = 0x02 // Heartbeat received within set time
	HeartbeatTimeout      = 0x03 // No heartbeat received for set time
	ServiceId             = 0x700
)

const (
	EventNone = uint8(iota)
	EventStarted
	EventTimeout
	EventChanged
	EventBoot
)

// HBConsumer monitors a fixed set of remote nodes, each backed by one
// hbConsumerEntry. Per-entry timeouts are armed through the node's shared
// timer.Timer instead of a per-entry time.Timer; there is no internal
// locking, since Handle (from NodeProcessFrame) and the timeout callback
// (from NodeTick) never run concurrently.
type HBConsumer struct {
	bm                      *canopen.BusManager
	logger                  *slog.Logger
	tmr                     *timer.Timer
	emcy                    *emergency.EMCY
	entries                 []*hbConsumerEntry
	allMonitoredActive      bool
	allMonitoredOperational bool
	eventCallback           HBEventCallback
	isOperational           bool
}

type HBEventCallback func(event uint8, nodeId uint8, index uint8, nmtState uint8)

func (consumer *HBConsumer) checkAllMonitored() {
	allActive := true
	allOperational := true

	for _, entry := range consumer.entries {
		if entry.hbState == HeartbeatUnconfigured {
			continue
		}
		if entry.hbState != HeartbeatActive {
			allActive = false
		}
		if entry.nmtState != nmt.StateOperational {
			allOperational = false
		}
	}

	if !consumer.allMonitoredActive && allActive {
		consumer.emcy.ErrorReset(emergency.EmHeartbeatConsumer, 0)
		consumer.emcy.ErrorReset(emergency.EmHBConsumerRemoteReset, 0)
	}
	consumer.allMonitoredActive = allActive
	consumer.allMonitoredOperational = allOperational
}

// updateConsumerEntry (re)configures the entry at index, index is 0-based.
func (consumer *HBConsumer) updateConsumerEntry(index uint8, nodeId uint8, periodUs uint32) error {
	if int(index) >= len(consumer.entries) {
		return canopen.ErrIllegalArgument
	}
	if periodUs != 0 && nodeId != 0 {
		for i, entry := range consumer.entries {
			if int(index) != i && entry.timeoutPeriodUs != 0 && entry.nodeId == nodeId {
				return canopen.ErrIllegalArgument
			}
		}
	}

	entry := consumer.entries[index]
	entry.update(nodeId, periodUs)

	if entry.rxCancel != nil {
		entry.rxCancel()
		entry.rxCancel = nil
	}
	if entry.hbState == HeartbeatUnconfigured {
		return nil
	}
	consumer.logger.Info("will monitor", "monitoredId", entry.nodeId, "timeoutUs", periodUs)
	rxCancel, err := consumer.bm.Subscribe(uint32(entry.cobId), false, entry)
	entry.rxCancel = rxCancel
	return err
}

// OnEvent registers the callback invoked for boot-up, timeout and NMT
// state-change events.
func (consumer *HBConsumer) OnEvent(callback HBEventCallback) {
	consumer.eventCallback = callback
}

// Start arms the timeout timer for every configured entry.
func (consumer *HBConsumer) Start() {
	for _, entry := range consumer.entries {
		if entry.hbState != HeartbeatUnconfigured {
			entry.restartTimeoutTimer()
		}
	}
}

// Stop disarms every entry's timeout timer and resets monitoring state.
func (consumer *HBConsumer) Stop() {
	for _, entry := range consumer.entries {
		entry.cancelTimeoutTimer()
		entry.nmtState = nmt.StateUnknown
		entry.nmtStatePrev = nmt.StateUnknown
		if entry.hbState != HeartbeatUnconfigured {
			entry.hbState = HeartbeatUnknown
		}
	}
	consumer.allMonitoredActive = false
	consumer.allMonitoredOperational = false
}

// OnStateChange is registered with NMT's AddStateChangeCallback: monitoring
// runs only while the local node is Pre-operational or Operational.
func (consumer *HBConsumer) OnStateChange(state uint8) {
	isOperational := state == nmt.StateOperational || state == nmt.StatePreOperational
	prevOperational := consumer.isOperational
	consumer.isOperational = isOperational

	if isOperational && !prevOperational {
		consumer.Start()
	} else if !isOperational && prevOperational {
		consumer.Stop()
	}
}

// NewHBConsumer builds one hbConsumerEntry per record sub-index of 0x1016
// (excluding sub-0, the count) and wires its write extension.
func NewHBConsumer(bm *canopen.BusManager, logger *slog.Logger, tmr *timer.Timer, emcy *emergency.EMCY, entry1016 *od.Entry) (*HBConsumer, error) {
	if entry1016 == nil || bm == nil || emcy == nil || tmr == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}

	consumer := &HBConsumer{bm: bm, logger: logger.With("service", "heartbeat-consumer"), tmr: tmr, emcy: emcy}

	nbEntries := uint8(entry1016.SubCount() - 1)
	consumer.logger.Info("number of entries to monitor", "count", nbEntries)
	consumer.entries = make([]*hbConsumerEntry, nbEntries)
	for i := range consumer.entries {
		consumer.entries[i] = &hbConsumerEntry{parent: consumer, tmr: tmr, odIndex: i}
	}

	for i := 0; i < int(nbEntries); i++ {
		hbConsValue, err := entry1016.Uint32(uint8(i) + 1)
		if err != nil {
			consumer.logger.Error("reading failed", "index", fmt.Sprintf("x%x", entry1016.Index), "subindex", i+1, "error", err)
			return nil, canopen.ErrOdParameters
		}
		nodeId := uint8(hbConsValue >> 16)
		periodUs := (hbConsValue & 0xFFFF) * 1000
		if err := consumer.updateConsumerEntry(uint8(i), nodeId, periodUs); err != nil {
			return nil, err
		}
	}
	entry1016.AddExtension(consumer, od.ReadEntryDefault, writeEntry1016)
	return consumer, nil
}
