// Package uds implements the subset of ISO 14229 (UDS) needed to flash an
// N54 engine controller: session control, seed/key security access,
// tester-present keep-alive, memory read, routine control and the
// download/transfer-data/transfer-exit sequence (spec.md §4.3, §6).
package uds

// Service identifiers (spec.md §6).
const (
	ServiceDiagnosticSessionControl byte = 0x10
	ServiceECUReset                 byte = 0x11
	ServiceSecurityAccess           byte = 0x27
	ServiceTesterPresent            byte = 0x3E
	ServiceReadMemoryByAddress      byte = 0x23
	ServiceRoutineControl           byte = 0x31
	ServiceRequestDownload          byte = 0x34
	ServiceTransferData             byte = 0x36
	ServiceRequestTransferExit      byte = 0x37
)

// Negative response marker; the NRC is the third byte of a negative
// response.
const (
	NegativeResponseSID byte = 0x7F
)

// Sub-function / parameter bytes named in spec.md §6.
const (
	SessionProgramming byte = 0x02

	ResetHard byte = 0x01

	SecurityRequestSeedA byte = 0x01
	SecuritySendKeyA     byte = 0x02
	SecurityRequestSeedB byte = 0x03
	SecuritySendKeyB     byte = 0x04
	SecurityRequestSeedC byte = 0x05
	SecuritySendKeyC     byte = 0x06

	TesterPresentSuppressPositive byte = 0x00

	AddressAndLengthFormat byte = 0x44

	RoutineStart byte = 0x01

	RoutineIDChecksum byte = 0xFF // high byte of 0xFF01 -- see RoutineIDFullChecksum below
	RoutineIDErase    byte = 0xFF // high byte of 0xFF02 -- see RoutineIDFullErase below

	TransferDataFormat byte = 0x00
)

// Full 16-bit routine identifiers (spec.md §4.5 phases D and G).
const (
	RoutineIDFullChecksum uint16 = 0xFF01
	RoutineIDFullErase    uint16 = 0xFF02
)

// Negative response codes classified by spec.md §7.
const (
	NRCResponsePending      byte = 0x78
	NRCInvalidKey           byte = 0x35
	NRCBusyRepeatRequest    byte = 0x21
	NRCConditionsNotCorrect byte = 0x23
	NRCRequestSequenceError byte = 0x24
	NRCExceedNumberAttempts byte = 0x36
	NRCRequiredTimeDelay    byte = 0x37
)
