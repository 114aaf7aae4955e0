package protocol

import "time"

// AMQP protocol version
const (
	ProtocolVersionMajor    = 1
	ProtocolVersionMinor    = 0
	ProtocolVersionRevision = 0

	// Protocol ids carried in byte 4 of the protocol header
	ProtocolIDAMQP = 0
	ProtocolIDTLS  = 2
	ProtocolIDSASL = 3

	ProtocolHeader     = "AMQP\x00\x01\x00\x00"
	ProtocolHeaderTLS  = "AMQP\x02\x01\x00\x00"
	ProtocolHeaderSASL = "AMQP\x03\x01\x00\x00"
	ProtocolHeaderSize = 8
)

// Frame types
const (
	FrameTypeAMQP = 0x00
	FrameTypeSASL = 0x01
)

// Frame sizes
const (
	FrameHeaderSize = 8

	// MinDataOffset is the smallest legal doff value, in 4-byte words
	MinDataOffset = 2

	// MinMaxFrameSize is the smallest max-frame-size a peer may advertise
	MinMaxFrameSize     = 512
	DefaultMaxFrameSize = 1024 * 1024

	// MaxFrameSizeUnlimited is the max-frame-size implied by an absent field
	MaxFrameSizeUnlimited = 4294967295
)

// Connection defaults
const (
	DefaultPort       = 5672
	DefaultSecurePort = 5671

	DefaultChannelMax          = 65535
	DefaultEmptyFrameSendRatio = 0.5
	DefaultIdleWaitTime        = 100 * time.Millisecond
	DefaultHandleMax           = 4294967295
	DefaultIncomingWindow      = 2048
	DefaultOutgoingWindow      = 2048
	DefaultLinkCredit          = 300
)

// Performative descriptors
const (
	DescriptorOpen        = 0x10
	DescriptorBegin       = 0x11
	DescriptorAttach      = 0x12
	DescriptorFlow        = 0x13
	DescriptorTransfer    = 0x14
	DescriptorDisposition = 0x15
	DescriptorDetach      = 0x16
	DescriptorEnd         = 0x17
	DescriptorClose       = 0x18
)

// Composite type descriptors
const (
	DescriptorError    = 0x1d
	DescriptorReceived = 0x23
	DescriptorAccepted = 0x24
	DescriptorRejected = 0x25
	DescriptorReleased = 0x26
	DescriptorModified = 0x27
	DescriptorSource   = 0x28
	DescriptorTarget   = 0x29
)

// Message section descriptors
const (
	DescriptorHeader                = 0x70
	DescriptorDeliveryAnnotations   = 0x71
	DescriptorMessageAnnotations    = 0x72
	DescriptorProperties            = 0x73
	DescriptorApplicationProperties = 0x74
	DescriptorData                  = 0x75
	DescriptorAMQPSequence          = 0x76
	DescriptorAMQPValue             = 0x77
	DescriptorFooter                = 0x78
)

// Type constructors
const (
	TypeDescribed  = 0x00
	TypeNull       = 0x40
	TypeBool       = 0x56
	TypeBoolTrue   = 0x41
	TypeBoolFalse  = 0x42
	TypeUbyte      = 0x50
	TypeUshort     = 0x60
	TypeUint       = 0x70
	TypeSmallUint  = 0x52
	TypeUint0      = 0x43
	TypeUlong      = 0x80
	TypeSmallUlong = 0x53
	TypeUlong0     = 0x44
	TypeByte       = 0x51
	TypeShort      = 0x61
	TypeInt        = 0x71
	TypeSmallInt   = 0x54
	TypeLong       = 0x81
	TypeSmallLong  = 0x55
	TypeFloat      = 0x72
	TypeDouble     = 0x82
	TypeChar       = 0x73
	TypeTimestamp  = 0x83
	TypeUUID       = 0x98
	TypeVbin8      = 0xa0
	TypeVbin32     = 0xb0
	TypeStr8       = 0xa1
	TypeStr32      = 0xb1
	TypeSym8       = 0xa3
	TypeSym32      = 0xb3
	TypeList0      = 0x45
	TypeList8      = 0xc0
	TypeList32     = 0xd0
	TypeMap8       = 0xc1
	TypeMap32      = 0xd1
	TypeArray8     = 0xe0
	TypeArray32    = 0xf0
)

// Error conditions
const (
	ErrCondInternalError         Symbol = "amqp:internal-error"
	ErrCondNotFound              Symbol = "amqp:not-found"
	ErrCondUnauthorizedAccess    Symbol = "amqp:unauthorized-access"
	ErrCondDecodeError           Symbol = "amqp:decode-error"
	ErrCondResourceLimitExceeded Symbol = "amqp:resource-limit-exceeded"
	ErrCondNotAllowed            Symbol = "amqp:not-allowed"
	ErrCondInvalidField          Symbol = "amqp:invalid-field"
	ErrCondNotImplemented        Symbol = "amqp:not-implemented"
	ErrCondResourceLocked        Symbol = "amqp:resource-locked"
	ErrCondPreconditionFailed    Symbol = "amqp:precondition-failed"
	ErrCondResourceDeleted       Symbol = "amqp:resource-deleted"
	ErrCondIllegalState          Symbol = "amqp:illegal-state"
	ErrCondFrameSizeTooSmall     Symbol = "amqp:frame-size-too-small"

	ErrCondConnectionForced Symbol = "amqp:connection:forced"
	ErrCondFramingError     Symbol = "amqp:connection:framing-error"
	ErrCondConnRedirect     Symbol = "amqp:connection:redirect"

	ErrCondWindowViolation  Symbol = "amqp:session:window-violation"
	ErrCondErrantLink       Symbol = "amqp:session:errant-link"
	ErrCondHandleInUse      Symbol = "amqp:session:handle-in-use"
	ErrCondUnattachedHandle Symbol = "amqp:session:unattached-handle"

	ErrCondDetachForced          Symbol = "amqp:link:detach-forced"
	ErrCondTransferLimitExceeded Symbol = "amqp:link:transfer-limit-exceeded"
	ErrCondMessageSizeExceeded   Symbol = "amqp:link:message-size-exceeded"
	ErrCondLinkRedirect          Symbol = "amqp:link:redirect"
	ErrCondStolen                Symbol = "amqp:link:stolen"
)
