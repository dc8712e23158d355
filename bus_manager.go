package canopen

import (
	"log/slog"
)

const (
	// MaxCanId is the largest standard (11-bit) CAN identifier.
	MaxCanId = 0x7FF

	// lookupArraySize reserves a second half of the table for RTR frames,
	// offset by MaxCanId+1, so a plain array index covers both.
	lookupArraySize = (MaxCanId + 1) * 2
)

type subscriber struct {
	id       uint64
	callback FrameListener
}

// BusManager dispatches received frames to subscribers by CAN identifier
// using a fixed-size, array-indexed lookup table rather than a map: the
// table is sized once at construction and never grows, and lookup is a
// direct index instead of a hash. There is no internal locking — per the
// single-threaded cooperative model, NodeProcessFrame and NodeTick are
// the only entry points and are never called concurrently.
type BusManager struct {
	log       *slog.Logger
	bus       Bus
	listeners [lookupArraySize][]subscriber
	nextSubID uint64
}

func NewBusManager(bus Bus, log *slog.Logger) *BusManager {
	if log == nil {
		log = slog.Default()
	}
	return &BusManager{bus: bus, log: log.With("service", "bus")}
}

func (bm *BusManager) SetBus(bus Bus) { bm.bus = bus }
func (bm *BusManager) GetBus() Bus    { return bm.bus }

// Handle dispatches a received frame to every subscriber registered for
// its identifier. Called by NodeProcessFrame; never blocking.
func (bm *BusManager) Handle(frame Frame) {
	idx := frame.ID
	if frame.RTR {
		idx += MaxCanId + 1
	}
	if idx >= lookupArraySize {
		return
	}
	for _, sub := range bm.listeners[idx] {
		sub.callback.Handle(frame)
	}
}

// Send pushes a frame out over the bus.
func (bm *BusManager) Send(frame Frame) error {
	if bm.bus == nil {
		return ErrTxUnconfigured
	}
	err := bm.bus.Send(frame)
	if err != nil {
		bm.log.Warn("error sending frame", "err", err)
	}
	return err
}

// Subscribe registers callback for frames with the given identifier.
// Returns a cancel function removing the subscription.
func (bm *BusManager) Subscribe(ident uint32, rtr bool, callback FrameListener) (cancel func(), err error) {
	idx := ident
	if rtr {
		idx += MaxCanId + 1
	}
	if idx >= lookupArraySize {
		return nil, ErrIllegalArgument
	}

	bm.nextSubID++
	subID := bm.nextSubID
	bm.listeners[idx] = append(bm.listeners[idx], subscriber{id: subID, callback: callback})

	cancel = func() {
		subs := bm.listeners[idx]
		for i, sub := range subs {
			if sub.id == subID {
				bm.listeners[idx] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	return cancel, nil
}
