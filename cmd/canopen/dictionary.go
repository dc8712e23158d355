package main

import "github.com/cankit/cocore/pkg/od"

// buildDictionary assembles a minimal but complete object dictionary for a
// demo node: the mandatory communication entries every service in
// pkg/node.NewNode looks for, one RPDO and one TPDO pair, and a DOMAIN
// object (0x200F) wired to the block-transfer file extension in
// extension_example.go. Dictionaries in this module are always built
// programmatically (no EDS/ini file loading); see DESIGN.md.
func buildDictionary(nodeId uint8) *od.ObjectDictionary {
	dict := od.NewObjectDictionary(nodeId)

	dict.AddVariableType(od.EntryDeviceType, "device type",
		od.NewVariableUint32(0, "device type", od.AttributeSdoR, 0))

	dict.AddVariableType(od.EntryErrorRegister, "error register",
		od.NewVariableUint8(0, "error register", od.AttributeSdoR, 0))

	dict.AddVariableList(od.EntryPredefinedErrorField, "pre-defined error field", od.NewArray(
		od.NewVariableUint8(0, "number of errors", od.AttributeSdoRw, 8),
		od.NewVariableUint32(1, "standard error field", od.AttributeSdoR, 0),
		od.NewVariableUint32(2, "standard error field", od.AttributeSdoR, 0),
		od.NewVariableUint32(3, "standard error field", od.AttributeSdoR, 0),
		od.NewVariableUint32(4, "standard error field", od.AttributeSdoR, 0),
		od.NewVariableUint32(5, "standard error field", od.AttributeSdoR, 0),
		od.NewVariableUint32(6, "standard error field", od.AttributeSdoR, 0),
		od.NewVariableUint32(7, "standard error field", od.AttributeSdoR, 0),
		od.NewVariableUint32(8, "standard error field", od.AttributeSdoR, 0),
	))

	dict.AddVariableType(od.EntryCobIdSYNC, "cob-id sync",
		od.NewVariableUint32(0, "cob-id sync", od.AttributeSdoRw, 0x40000080))
	dict.AddVariableType(od.EntryCommunicationCyclePeriod, "communication cycle period",
		od.NewVariableUint32(0, "communication cycle period", od.AttributeSdoRw, 10_000))
	dict.AddVariableType(od.EntrySynchronousWindowLength, "synchronous window length",
		od.NewVariableUint32(0, "synchronous window length", od.AttributeSdoRw, 0))
	dict.AddVariableType(od.EntrySynchronousCounterOverflow, "synchronous counter overflow",
		od.NewVariableUint8(0, "synchronous counter overflow", od.AttributeSdoRw, 0))

	dict.AddVariableType(od.EntryCobIdEMCY, "cob-id emcy",
		od.NewVariableUint32(0, "cob-id emcy", od.AttributeSdoRw, 0x80+uint32(nodeId)))
	dict.AddVariableType(od.EntryInhibitTimeEMCY, "inhibit time emcy",
		od.NewVariableUint16(0, "inhibit time emcy", od.AttributeSdoRw, 0))

	dict.AddVariableList(od.EntryConsumerHeartbeatTime, "consumer heartbeat time", od.NewArray(
		od.NewVariableUint8(0, "number of entries", od.AttributeSdoRw, 1),
		od.NewVariableUint32(1, "consumer heartbeat time", od.AttributeSdoRw, 0),
	))
	dict.AddVariableType(od.EntryProducerHeartbeatTime, "producer heartbeat time",
		od.NewVariableUint16(0, "producer heartbeat time", od.AttributeSdoRw, 1000))

	dict.AddVariableList(od.EntryIdentityObject, "identity object", od.NewRecord(
		od.NewVariableUint8(0, "highest sub-index supported", od.AttributeSdoR, 4),
		od.NewVariableUint32(1, "vendor id", od.AttributeSdoR, 0xCAFE),
		od.NewVariableUint32(2, "product code", od.AttributeSdoR, 1),
		od.NewVariableUint32(3, "revision number", od.AttributeSdoR, 1),
		od.NewVariableUint32(4, "serial number", od.AttributeSdoR, uint32(nodeId)),
	))

	dict.AddVariableList(od.EntrySDOServerStart, "SDO server parameter", od.NewRecord(
		od.NewVariableUint8(0, "highest sub-index supported", od.AttributeSdoR, 2),
		od.NewVariableUint32(1, "cob-id client to server", od.AttributeSdoR, 0x600+uint32(nodeId)),
		od.NewVariableUint32(2, "cob-id server to client", od.AttributeSdoR, 0x580+uint32(nodeId)),
	))

	dict.AddVariableList(0x2500, "application data", od.NewRecord(
		od.NewVariableUint8(1, "status byte", od.AttributeTpdo|od.AttributeRpdo, 0),
		od.NewVariableUint32(2, "counter", od.AttributeTpdo, 0),
	))

	dict.AddVariableList(od.EntryRPDOCommunicationStart, "RPDO communication parameter", od.NewRecord(
		od.NewVariableUint8(od.SubPdoHighestSubIndex, "highest sub-index", od.AttributeSdoR, 5),
		od.NewVariableUint32(od.SubPdoCobId, "cob-id", od.AttributeSdoRw, 0x200+uint32(nodeId)),
		od.NewVariableUint8(od.SubPdoTransmissionType, "transmission type", od.AttributeSdoRw, 255),
		od.NewVariableUint16(od.SubPdoInhibitTime, "inhibit time", od.AttributeSdoRw, 0),
		od.NewVariableUint16(od.SubPdoReserved, "reserved", od.AttributeSdoRw, 0),
		od.NewVariableUint16(od.SubPdoEventTimer, "event timer", od.AttributeSdoRw, 0),
	))
	dict.AddVariableList(od.EntryRPDOMappingStart, "RPDO mapping parameter", od.NewRecord(
		od.NewVariableUint8(0, "number of mapped objects", od.AttributeSdoRw, 1),
		od.NewVariableUint32(1, "mapped object 1", od.AttributeSdoRw, 0x25000108),
	))

	dict.AddVariableList(od.EntryTPDOCommunicationStart, "TPDO communication parameter", od.NewRecord(
		od.NewVariableUint8(od.SubPdoHighestSubIndex, "highest sub-index", od.AttributeSdoR, 5),
		od.NewVariableUint32(od.SubPdoCobId, "cob-id", od.AttributeSdoRw, 0x180+uint32(nodeId)),
		od.NewVariableUint8(od.SubPdoTransmissionType, "transmission type", od.AttributeSdoRw, 1),
		od.NewVariableUint16(od.SubPdoInhibitTime, "inhibit time", od.AttributeSdoRw, 0),
		od.NewVariableUint16(od.SubPdoReserved, "reserved", od.AttributeSdoRw, 0),
		od.NewVariableUint16(od.SubPdoEventTimer, "event timer", od.AttributeSdoRw, 0),
	))
	dict.AddVariableList(od.EntryTPDOMappingStart, "TPDO mapping parameter", od.NewRecord(
		od.NewVariableUint8(0, "number of mapped objects", od.AttributeSdoRw, 2),
		od.NewVariableUint32(1, "mapped object 1", od.AttributeSdoRw, 0x25000108),
		od.NewVariableUint32(2, "mapped object 2", od.AttributeSdoRw, 0x25000220),
	))

	dict.AddVariableType(0x200F, "file domain",
		od.NewVariableDomain(0, "file domain", od.AttributeSdoRw, 4096))

	dict.Finalize()
	return dict
}
