package amqp

import "fmt"

// ConnectionState represents the current state of a connection
type ConnectionState int32

const (
	// StateUnconnected is the state before the transport is connected
	StateUnconnected ConnectionState = iota
	StateStart
	StateHeaderReceived
	StateHeaderSent
	StateHeaderExchanged
	StateOpenPipe
	StateOpenReceived
	StateOpenSent
	StateOpened
	StateClosePipe
	StateOpenClosePipe
	StateCloseReceived
	StateCloseSent
	StateDiscarding
	StateEnd
)

var connectionStateNames = [...]string{
	StateUnconnected:     "UNCONNECTED",
	StateStart:           "START",
	StateHeaderReceived:  "HDR_RCVD",
	StateHeaderSent:      "HDR_SENT",
	StateHeaderExchanged: "HDR_EXCH",
	StateOpenPipe:        "OPEN_PIPE",
	StateOpenReceived:    "OPEN_RCVD",
	StateOpenSent:        "OPEN_SENT",
	StateOpened:          "OPENED",
	StateClosePipe:       "CLOSE_PIPE",
	StateOpenClosePipe:   "OC_PIPE",
	StateCloseReceived:   "CLOSE_RCVD",
	StateCloseSent:       "CLOSE_SENT",
	StateDiscarding:      "DISCARDING",
	StateEnd:             "END",
}

// String returns a string representation of the connection state
func (cs ConnectionState) String() string {
	if cs >= 0 && int(cs) < len(connectionStateNames) {
		return connectionStateNames[cs]
	}
	return fmt.Sprintf("ConnectionState(%d)", int32(cs))
}

// SessionState represents the current state of a session
type SessionState int32

const (
	SessionUnmapped SessionState = iota
	SessionBeginSent
	SessionBeginReceived
	SessionMapped
	SessionEndSent
	SessionEndReceived
	SessionDiscarding
)

var sessionStateNames = [...]string{
	SessionUnmapped:      "UNMAPPED",
	SessionBeginSent:     "BEGIN_SENT",
	SessionBeginReceived: "BEGIN_RCVD",
	SessionMapped:        "MAPPED",
	SessionEndSent:       "END_SENT",
	SessionEndReceived:   "END_RCVD",
	SessionDiscarding:    "DISCARDING",
}

func (ss SessionState) String() string {
	if ss >= 0 && int(ss) < len(sessionStateNames) {
		return sessionStateNames[ss]
	}
	return fmt.Sprintf("SessionState(%d)", int32(ss))
}

// LinkState represents the current state of a link
type LinkState int32

const (
	LinkDetached LinkState = iota
	LinkAttachSent
	LinkAttachReceived
	LinkAttached
	LinkDetachSent
	LinkDetachReceived
	LinkError
)

var linkStateNames = [...]string{
	LinkDetached:       "DETACHED",
	LinkAttachSent:     "ATTACH_SENT",
	LinkAttachReceived: "ATTACH_RCVD",
	LinkAttached:       "ATTACHED",
	LinkDetachSent:     "DETACH_SENT",
	LinkDetachReceived: "DETACH_RCVD",
	LinkError:          "ERROR",
}

func (ls LinkState) String() string {
	if ls >= 0 && int(ls) < len(linkStateNames) {
		return linkStateNames[ls]
	}
	return fmt.Sprintf("LinkState(%d)", int32(ls))
}

// ConnectionStateListener receives connection state changes
type ConnectionStateListener interface {
	OnConnectionStateChanged(conn *Connection, previous, current ConnectionState)
}

// ConnectionStateListenerFunc adapts a function to ConnectionStateListener
type ConnectionStateListenerFunc func(conn *Connection, previous, current ConnectionState)

func (f ConnectionStateListenerFunc) OnConnectionStateChanged(conn *Connection, previous, current ConnectionState) {
	f(conn, previous, current)
}

// SessionStateListener receives session state changes
type SessionStateListener interface {
	OnSessionStateChanged(s *Session, previous, current SessionState)
}

// SessionStateListenerFunc adapts a function to SessionStateListener
type SessionStateListenerFunc func(s *Session, previous, current SessionState)

func (f SessionStateListenerFunc) OnSessionStateChanged(s *Session, previous, current SessionState) {
	f(s, previous, current)
}

// LinkStateListener receives link state changes
type LinkStateListener interface {
	OnLinkStateChanged(l *Link, previous, current LinkState)
}

// LinkStateListenerFunc adapts a function to LinkStateListener
type LinkStateListenerFunc func(l *Link, previous, current LinkState)

func (f LinkStateListenerFunc) OnLinkStateChanged(l *Link, previous, current LinkState) {
	f(l, previous, current)
}
