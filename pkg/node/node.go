// Package node assembles the individual CiA 301/305 services into a single
// CANopen slave: the object dictionary, the timer, and every service that
// consumes them. It exposes exactly the two entry points the single-
// threaded cooperative model calls for — NodeProcessFrame and NodeTick —
// plus read-only handles to the services for configuration and
// diagnostics.
package node

import (
	"fmt"
	"log/slog"

	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/pkg/emergency"
	"github.com/cankit/cocore/pkg/heartbeat"
	"github.com/cankit/cocore/pkg/lss"
	"github.com/cankit/cocore/pkg/nmt"
	"github.com/cankit/cocore/pkg/od"
	"github.com/cankit/cocore/pkg/pdo"
	"github.com/cankit/cocore/pkg/sdo"
	"github.com/cankit/cocore/pkg/sync"
	"github.com/cankit/cocore/pkg/timer"
)

// TimerHz is the shared timer.Timer's tick rate: one tick per
// microsecond, so every elapsedUs a caller passes to NodeTick can be
// handed straight to timer.Service with no conversion.
const TimerHz uint32 = 1_000_000

// maxPdoScan bounds how many communication/mapping parameter pairs
// NewNode will probe looking for configured RPDOs/TPDOs. CiA 301 allows
// up to 512; scanning stops at the first missing pair either way.
const maxPdoScan = 512

// Node is a complete CANopen slave built around a fixed object dictionary.
// There is no internal locking anywhere in the service set it owns:
// NodeProcessFrame and NodeTick are the only two ways into this struct,
// and the caller must never invoke them concurrently.
type Node struct {
	bm     *canopen.BusManager
	dict   *od.ObjectDictionary
	logger *slog.Logger
	tmr    *timer.Timer
	nodeId uint8

	NMT        *nmt.NMT
	EMCY       *emergency.EMCY
	HBConsumer *heartbeat.HBConsumer
	SYNC       *sync.SYNC
	SDOServer  *sdo.Server
	SDOClient  *sdo.Client
	LSS        *lss.LSSSlave
	RPDOs      []*pdo.RPDO
	TPDOs      []*pdo.TPDO
}

// NodeProcessFrame is the single entry point for inbound CAN traffic.
// Every service subscribed to an identifier during construction receives
// the frame synchronously; nothing here blocks or yields.
func (n *Node) NodeProcessFrame(frame canopen.Frame) {
	n.bm.Handle(frame)
}

// NodeTick is the single entry point for the passage of time. It
// advances the shared timer (driving the heartbeat producer and
// consumer timeouts), EMCY's inhibit timer, the SDO server/client timeout
// clocks, SYNC's cycle timer, and every PDO's inhibit/event timer, in
// that order, then dispatches any pending NMT reset.
func (n *Node) NodeTick(elapsedUs uint32) {
	n.tmr.Service(elapsedUs)

	n.EMCY.Service(elapsedUs)
	if n.SDOServer != nil {
		n.SDOServer.Service(elapsedUs)
	}
	if n.SDOClient != nil {
		n.SDOClient.Service(elapsedUs)
	}

	operational := n.NMT.IsPreOrOperational()
	if n.SYNC != nil {
		if event := n.SYNC.Tick(elapsedUs, operational); event == sync.EventRxOrTx {
			counter, overflow := n.SYNC.Counter(), n.SYNC.CounterOverflow()
			for _, rpdo := range n.RPDOs {
				rpdo.OnSync()
			}
			for _, tpdo := range n.TPDOs {
				tpdo.OnSync(counter, overflow)
			}
		}
	}
	for _, rpdo := range n.RPDOs {
		rpdo.Tick(elapsedUs)
	}
	for _, tpdo := range n.TPDOs {
		tpdo.Tick(elapsedUs)
	}

	switch n.NMT.GetPendingReset() {
	case nmt.ResetComm, nmt.ResetApp:
		n.Reset()
	}
}

// Reset reinitializes the NMT state machine, which cascades to every
// registered state-change callback (heartbeat consumer monitoring,
// RPDO/TPDO operational gating).
func (n *Node) Reset() {
	n.NMT.Reset()
}

// OD returns the node's object dictionary.
func (n *Node) OD() *od.ObjectDictionary { return n.dict }

// NodeId returns the node-id the dictionary and every service were built
// with.
func (n *Node) NodeId() uint8 { return n.nodeId }

// NewNode builds every service from the dictionary's well-known entries
// and wires them into one cooperatively-scheduled node. Missing optional
// entries (SYNC, SDO client, LSS identity) are tolerated by skipping the
// corresponding service; missing entries the protocol requires (EMCY's
// error history, NMT's producer heartbeat time) are an error.
func NewNode(
	bm *canopen.BusManager,
	dict *od.ObjectDictionary,
	logger *slog.Logger,
	nodeId uint8,
	nmtControl uint16,
	sdoServerBufferBytes int,
	onLSSNodeIdChanged lss.Callback,
) (*Node, error) {
	if bm == nil || dict == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("nodeId", nodeId)

	n := &Node{bm: bm, dict: dict, logger: logger, nodeId: nodeId}

	hbSlots := 0
	entry1016, err := dict.Index(od.EntryConsumerHeartbeatTime)
	if err == nil {
		if n := entry1016.SubCount() - 1; n > 0 {
			hbSlots = n
		}
	}
	n.tmr = timer.New(hbSlots+1, TimerHz, logger)

	entry1001, _ := dict.Index(od.EntryErrorRegister)
	entry1014, err := dict.Index(od.EntryCobIdEMCY)
	if err != nil {
		return nil, fmt.Errorf("node: missing required entry 0x1014: %w", err)
	}
	entry1015, _ := dict.Index(od.EntryInhibitTimeEMCY)
	entry1003, err := dict.Index(od.EntryPredefinedErrorField)
	if err != nil {
		return nil, fmt.Errorf("node: missing required entry 0x1003: %w", err)
	}
	emcy, err := emergency.NewEMCY(bm, logger, nodeId, entry1001, entry1014, entry1015, entry1003)
	if err != nil {
		return nil, err
	}
	n.EMCY = emcy

	entry1017, err := dict.Index(od.EntryProducerHeartbeatTime)
	if err != nil {
		return nil, fmt.Errorf("node: missing required entry 0x1017: %w", err)
	}
	nm, err := nmt.NewNMT(
		bm, logger, n.tmr, emcy,
		nodeId, nmtControl,
		nmt.ServiceId, nmt.ServiceId, heartbeat.ServiceId+uint16(nodeId),
		entry1017,
	)
	if err != nil {
		return nil, err
	}
	n.NMT = nm

	if entry1016 != nil {
		hbConsumer, err := heartbeat.NewHBConsumer(bm, logger, n.tmr, emcy, entry1016)
		if err != nil {
			return nil, err
		}
		n.HBConsumer = hbConsumer
		n.NMT.AddStateChangeCallback(hbConsumer.OnStateChange)
	}

	entry1005, err1005 := dict.Index(od.EntryCobIdSYNC)
	entry1006, err1006 := dict.Index(od.EntryCommunicationCyclePeriod)
	entry1007, err1007 := dict.Index(od.EntrySynchronousWindowLength)
	if err1005 == nil && err1006 == nil && err1007 == nil {
		entry1019, _ := dict.Index(od.EntrySynchronousCounterOverflow)
		syncService, err := sync.NewSYNC(bm, logger, emcy, entry1005, entry1006, entry1007, entry1019)
		if err != nil {
			return nil, err
		}
		n.SYNC = syncService
	}

	server, err := sdo.NewServer(bm, dict, nodeId, sdoServerBufferBytes, logger)
	if err != nil {
		return nil, err
	}
	n.SDOServer = server

	if entry1280, err := dict.Index(od.EntrySDOClientStart); err == nil {
		if targetNodeId, err := entry1280.Uint8(3); err == nil && targetNodeId != 0 {
			client, err := sdo.NewClient(bm, targetNodeId, logger)
			if err != nil {
				return nil, err
			}
			n.SDOClient = client
		}
	}

	if entry1018, err := dict.Index(od.EntryIdentityObject); err == nil {
		lssSlave, err := lss.NewLSSSlave(bm, logger, entry1018, nodeId, onLSSNodeIdChanged)
		if err != nil {
			return nil, err
		}
		n.LSS = lssSlave
	}

	if err := n.initPDOs(); err != nil {
		return nil, err
	}

	n.NMT.AddStateChangeCallback(func(state uint8) {
		operational := state == nmt.StateOperational || state == nmt.StatePreOperational
		for _, rpdo := range n.RPDOs {
			rpdo.SetOperational(operational)
		}
		for _, tpdo := range n.TPDOs {
			tpdo.SetOperational(operational)
		}
	})

	n.NMT.Start()
	return n, nil
}

// initPDOs scans the RPDO and TPDO communication/mapping parameter
// ranges, building one service per configured pair. Scanning stops at
// the first index with no communication parameter entry, matching the
// dictionary's construction-time layout (no holes).
func (n *Node) initPDOs() error {
	for i := uint16(0); i < maxPdoScan; i++ {
		entry14xx, err := n.dict.Index(od.EntryRPDOCommunicationStart + i)
		if err != nil {
			break
		}
		entry16xx, err := n.dict.Index(od.EntryRPDOMappingStart + i)
		if err != nil {
			break
		}
		predefinedIdent := 0x200 + (i%4)*0x100 + uint16(n.nodeId) + i/4
		rpdo, err := pdo.NewRPDO(n.bm, n.logger, n.dict, n.EMCY, entry14xx, entry16xx, predefinedIdent)
		if err != nil {
			return fmt.Errorf("node: rpdo %d: %w", i, err)
		}
		n.RPDOs = append(n.RPDOs, rpdo)
	}

	for i := uint16(0); i < maxPdoScan; i++ {
		entry18xx, err := n.dict.Index(od.EntryTPDOCommunicationStart + i)
		if err != nil {
			break
		}
		entry1Axx, err := n.dict.Index(od.EntryTPDOMappingStart + i)
		if err != nil {
			break
		}
		predefinedIdent := 0x180 + (i%4)*0x100 + uint16(n.nodeId) + i/4
		tpdo, err := pdo.NewTPDO(n.bm, n.logger, n.dict, n.EMCY, entry18xx, entry1Axx, predefinedIdent)
		if err != nil {
			return fmt.Errorf("node: tpdo %d: %w", i, err)
		}
		n.TPDOs = append(n.TPDOs, tpdo)
	}
	return nil
}
