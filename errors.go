package canopen

// CANopenError is the node-level latched error taxonomy: failures that
// are not specific to any one service (SDO abort codes and ODR codes have
// their own taxonomies in pkg/sdo and pkg/od).
type CANopenError int8

const (
	ErrNo                   CANopenError = 0
	ErrIllegalArgument      CANopenError = -1
	ErrOutOfMemory          CANopenError = -2
	ErrTimeout              CANopenError = -3
	ErrIllegalBaudrate      CANopenError = -4
	ErrRxOverflow           CANopenError = -5
	ErrRxPdoOverflow        CANopenError = -6
	ErrRxMsgLength          CANopenError = -7
	ErrRxPdoLength          CANopenError = -8
	ErrTxOverflow           CANopenError = -9
	ErrTxPdoWindow          CANopenError = -10
	ErrTxUnconfigured       CANopenError = -11
	ErrOdParameters         CANopenError = -12
	ErrDataCorrupt          CANopenError = -13
	ErrCrc                  CANopenError = -14
	ErrTxBusy               CANopenError = -15
	ErrWrongNmtState        CANopenError = -16
	ErrSyscall              CANopenError = -17
	ErrInvalidState         CANopenError = -18
	ErrNodeIdUnconfiguredLss CANopenError = -19
)

var canopenErrors = map[CANopenError]string{
	ErrNo:                    "operation completed successfully",
	ErrIllegalArgument:       "error in function arguments",
	ErrOutOfMemory:           "memory allocation failed",
	ErrTimeout:               "function timeout",
	ErrIllegalBaudrate:       "illegal baudrate passed to function",
	ErrRxOverflow:            "previous message was not processed yet",
	ErrRxPdoOverflow:         "previous PDO was not processed yet",
	ErrRxMsgLength:           "wrong receive message length",
	ErrRxPdoLength:           "wrong receive PDO length",
	ErrTxOverflow:            "previous message is still waiting, buffer full",
	ErrTxPdoWindow:           "synchronous TPDO is outside window",
	ErrTxUnconfigured:        "transmit buffer was not configured properly",
	ErrOdParameters:          "error in object dictionary parameters",
	ErrDataCorrupt:           "stored data are corrupt",
	ErrCrc:                   "CRC does not match",
	ErrTxBusy:                "sending rejected because driver is busy",
	ErrWrongNmtState:         "command can't be processed in current NMT state",
	ErrSyscall:               "syscall failed",
	ErrInvalidState:          "driver not ready",
	ErrNodeIdUnconfiguredLss: "node-id is in LSS unconfigured state",
}

func (e CANopenError) Error() string {
	if s, ok := canopenErrors[e]; ok {
		return s
	}
	return "unknown canopen error"
}
