package main

import (
	canopen "github.com/cankit/cocore"
	"github.com/cankit/cocore/pkg/node"
)

// loopbackBus is a minimal canopen.Bus backend for the demo CLI: every
// frame sent is immediately fed back into the node's NodeProcessFrame, as
// if this node were alone on its own bus segment. A concrete SocketCAN or
// USB-CAN backend would implement the same one-method Bus interface and
// read frames off the wire instead of looping them back; that backend is
// external to this module (spec.md §1/§6).
type loopbackBus struct {
	node *node.Node
}

func (b *loopbackBus) Send(frame canopen.Frame) error {
	b.node.NodeProcessFrame(frame)
	return nil
}
