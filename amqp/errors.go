package amqp

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/israelio/amqp10-go-client/internal/frame"
	"github.com/israelio/amqp10-go-client/internal/protocol"
)

// Error represents an AMQP error condition exchanged in Close, End, Detach
// or a Rejected outcome
type Error struct {
	Condition   Symbol
	Description string
	Info        Fields
	Remote      bool // true if the error was sent by the peer
}

// Error implements the error interface
func (e *Error) Error() string {
	origin := "local"
	if e.Remote {
		origin = "remote"
	}
	if e.Description == "" {
		return fmt.Sprintf("AMQP error %s (%s)", e.Condition, origin)
	}
	return fmt.Sprintf("AMQP error %s (%s): %s", e.Condition, origin, e.Description)
}

// NewError creates a local error with the given condition
func NewError(condition Symbol, description string) *Error {
	return &Error{Condition: condition, Description: description}
}

func (e *Error) wire() *frame.Error {
	if e == nil {
		return nil
	}
	return &frame.Error{Condition: e.Condition, Description: e.Description, Info: e.Info}
}

func remoteError(e *frame.Error) *Error {
	if e == nil {
		return nil
	}
	return &Error{Condition: e.Condition, Description: e.Description, Info: e.Info, Remote: true}
}

// Capacity errors
var (
	ErrChannelMax    = errors.New("amqp: channel max reached")
	ErrHandleMax     = errors.New("amqp: handle max reached")
	ErrSessionWindow = errors.New("amqp: session outgoing window exceeded")
	ErrNoCredit      = errors.New("amqp: no link credit")
)

// Transport and delivery errors
var (
	ErrConnectionClosed = errors.New("amqp: connection closed")
	ErrDeliveryTimeout  = errors.New("amqp: delivery timed out")
	ErrLinkDetached     = errors.New("amqp: link detached")
)

// Usage errors
var (
	ErrNotOpen          = errors.New("amqp: connection not open")
	ErrLinkNotAttached  = errors.New("amqp: link not attached")
	ErrSessionNotMapped = errors.New("amqp: session not mapped")
	ErrHeaderMismatch   = errors.New("amqp: protocol header mismatch")
)

// ProtocolError is a fatal violation of the protocol by either side. The
// connection has been closed by the time it is returned.
type ProtocolError struct {
	Condition Symbol
	Reason    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("amqp protocol violation %s: %s", e.Condition, e.Reason)
}

func (e *ProtocolError) wire() *frame.Error {
	return &frame.Error{Condition: e.Condition, Description: e.Reason}
}

// Error conditions
const (
	ErrCondInternalError         = protocol.ErrCondInternalError
	ErrCondNotFound              = protocol.ErrCondNotFound
	ErrCondUnauthorizedAccess    = protocol.ErrCondUnauthorizedAccess
	ErrCondDecodeError           = protocol.ErrCondDecodeError
	ErrCondResourceLimitExceeded = protocol.ErrCondResourceLimitExceeded
	ErrCondNotAllowed            = protocol.ErrCondNotAllowed
	ErrCondInvalidField          = protocol.ErrCondInvalidField
	ErrCondNotImplemented        = protocol.ErrCondNotImplemented
	ErrCondResourceLocked        = protocol.ErrCondResourceLocked
	ErrCondPreconditionFailed    = protocol.ErrCondPreconditionFailed
	ErrCondResourceDeleted       = protocol.ErrCondResourceDeleted
	ErrCondIllegalState          = protocol.ErrCondIllegalState
	ErrCondFrameSizeTooSmall     = protocol.ErrCondFrameSizeTooSmall
	ErrCondConnectionForced      = protocol.ErrCondConnectionForced
	ErrCondFramingError          = protocol.ErrCondFramingError
	ErrCondConnectionRedirect    = protocol.ErrCondConnRedirect
	ErrCondWindowViolation       = protocol.ErrCondWindowViolation
	ErrCondErrantLink            = protocol.ErrCondErrantLink
	ErrCondHandleInUse           = protocol.ErrCondHandleInUse
	ErrCondUnattachedHandle      = protocol.ErrCondUnattachedHandle
	ErrCondDetachForced          = protocol.ErrCondDetachForced
	ErrCondTransferLimitExceeded = protocol.ErrCondTransferLimitExceeded
	ErrCondMessageSizeExceeded   = protocol.ErrCondMessageSizeExceeded
	ErrCondLinkRedirect          = protocol.ErrCondLinkRedirect
	ErrCondStolen                = protocol.ErrCondStolen
)

// ErrorHandler receives errors that are not returned to a caller, such as
// an error carried by a peer's Close, End or Detach
type ErrorHandler interface {
	HandleConnectionError(conn *Connection, err error)
	HandleSessionError(s *Session, err error)
	HandleLinkError(l *Link, err error)
	HandleDeliveryError(l *Link, deliveryID uint32, err error)
}

// DefaultErrorHandler logs errors through zap
type DefaultErrorHandler struct {
	Logger *zap.Logger
}

// HandleConnectionError logs connection errors
func (deh *DefaultErrorHandler) HandleConnectionError(conn *Connection, err error) {
	if deh.Logger != nil {
		deh.Logger.Error("connection error", zap.String("container_id", conn.ContainerID()), zap.Error(err))
	}
}

// HandleSessionError logs session errors
func (deh *DefaultErrorHandler) HandleSessionError(s *Session, err error) {
	if deh.Logger != nil {
		deh.Logger.Error("session error", zap.Uint16("channel", s.Channel()), zap.Error(err))
	}
}

// HandleLinkError logs link errors
func (deh *DefaultErrorHandler) HandleLinkError(l *Link, err error) {
	if deh.Logger != nil {
		deh.Logger.Error("link error", zap.String("link", l.Name()), zap.Error(err))
	}
}

// HandleDeliveryError logs delivery errors
func (deh *DefaultErrorHandler) HandleDeliveryError(l *Link, deliveryID uint32, err error) {
	if deh.Logger != nil {
		deh.Logger.Warn("delivery error",
			zap.String("link", l.Name()),
			zap.Uint32("delivery_id", deliveryID),
			zap.Error(err))
	}
}

// Reject returns a Rejected outcome carrying err, for use as the result of a
// MessageHandler
func Reject(err *Error) *Rejected {
	return &Rejected{Error: err.wire()}
}
