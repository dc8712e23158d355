package heartbeat

import (
	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/pkg/emergency"
	"github.com/cankit/cocore/pkg/nmt"
	"github.com/cankit/cocore/pkg/timer"
)

// hbConsumerEntry monitors a single remote node's heartbeat stream.
type hbConsumerEntry struct {
	nodeId          uint8
	cobId           uint16
	nmtState        uint8
	nmtStatePrev    uint8
	hbState         uint8
	timeoutPeriodUs uint32
	tmr             *timer.Timer
	handle          timer.Handle
	scheduled       bool
	rxCancel        func()
	parent          *HBConsumer
	odIndex         int
}

// Handle processes one received heartbeat frame from the monitored node.
func (entry *hbConsumerEntry) Handle(frame canopen.Frame) {
	if frame.DLC != 1 {
		return
	}
	consumer := entry.parent
	entry.nmtState = frame.Data[0]
	event := EventNone

	if entry.nmtState == nmt.StateInitializing {
		// A boot-up message received while already tracked as active
		// means the remote node rebooted unexpectedly.
		if entry.hbState == HeartbeatActive {
			consumer.emcy.ErrorReport(emergency.EmHBConsumerRemoteReset, emergency.ErrHeartbeat, uint32(entry.odIndex))
		}
		event = EventBoot
		entry.hbState = HeartbeatUnknown
	} else {
		if entry.hbState != HeartbeatActive {
			event = EventStarted
		}
		entry.hbState = HeartbeatActive
	}

	entry.restartTimeoutTimer()

	if event != EventNone && consumer.eventCallback != nil {
		consumer.eventCallback(event, entry.nodeId, uint8(entry.odIndex+1), nmt.StateInitializing)
	}

	nmtChanged := entry.nmtState != entry.nmtStatePrev
	if nmtChanged && consumer.eventCallback != nil {
		consumer.eventCallback(EventChanged, entry.nodeId, uint8(entry.odIndex+1), entry.nmtState)
	}
	entry.nmtStatePrev = entry.nmtState

	consumer.checkAllMonitored()
}

// restartTimeoutTimer (re)arms the one-shot timeout, cancelling any
// previously scheduled one first.
func (entry *hbConsumerEntry) restartTimeoutTimer() {
	entry.cancelTimeoutTimer()
	if entry.timeoutPeriodUs == 0 {
		return
	}
	h, err := entry.tmr.Create(entry.timeoutPeriodUs, 0, entry.onTimeout, nil)
	if err != nil {
		entry.parent.logger.Error("failed to arm heartbeat timeout", "nodeId", entry.nodeId, "error", err)
		return
	}
	entry.handle = h
	entry.scheduled = true
}

func (entry *hbConsumerEntry) cancelTimeoutTimer() {
	if !entry.scheduled {
		return
	}
	_ = entry.tmr.Delete(entry.handle)
	entry.scheduled = false
}

func (entry *hbConsumerEntry) onTimeout(arg any) {
	entry.scheduled = false
	parent := entry.parent
	if entry.hbState != HeartbeatActive {
		return
	}
	parent.emcy.ErrorReport(emergency.EmHeartbeatConsumer, emergency.ErrHeartbeat, uint32(entry.odIndex))
	entry.nmtState = nmt.StateUnknown
	entry.hbState = HeartbeatTimeout

	if parent.eventCallback != nil {
		parent.eventCallback(EventTimeout, entry.nodeId, uint8(entry.odIndex+1), nmt.StateUnknown)
	}
	parent.checkAllMonitored()
}

// update retargets the entry at a new node id and timeout period.
func (entry *hbConsumerEntry) update(nodeId uint8, periodUs uint32) {
	entry.nodeId = nodeId
	entry.timeoutPeriodUs = periodUs
	entry.nmtState = nmt.StateUnknown
	entry.nmtStatePrev = nmt.StateUnknown

	if entry.nodeId != 0 && entry.timeoutPeriodUs != 0 {
		entry.cobId = uint16(entry.nodeId) + ServiceId
		entry.hbState = HeartbeatUnknown
	} else {
		entry.cobId = 0
		entry.timeoutPeriodUs = 0
		entry.hbState = HeartbeatUnconfigured
	}
}
