package amqp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/israelio/amqp10-go-client/internal/protocol"
	"github.com/israelio/amqp10-go-client/internal/transport"
)

// Option is a functional option for NewConnection
type Option func(*connectionConfig)

type connectionConfig struct {
	containerID         string
	hostname            string
	maxFrameSize        uint32
	channelMax          uint16
	idleTimeout         time.Duration
	outgoingLocales     []Symbol
	incomingLocales     []Symbol
	offeredCapabilities []Symbol
	desiredCapabilities []Symbol
	properties          Fields

	allowPipelinedOpen  bool
	emptyFrameSendRatio float64
	idleWaitTime        time.Duration

	logger       *zap.Logger
	metrics      MetricsCollector
	errorHandler ErrorHandler
	transport    Transport
	tlsConfig    *tls.Config
	dialRetries  uint64
	dialTimeout  time.Duration
	negotiator   transport.Negotiator
	clock        clock.Clock
	listeners    []ConnectionStateListener
}

func defaultConnectionConfig() connectionConfig {
	return connectionConfig{
		maxFrameSize:        protocol.DefaultMaxFrameSize,
		channelMax:          protocol.DefaultChannelMax,
		allowPipelinedOpen:  true,
		emptyFrameSendRatio: protocol.DefaultEmptyFrameSendRatio,
		idleWaitTime:        protocol.DefaultIdleWaitTime,
		dialRetries:         3,
		dialTimeout:         30 * time.Second,
	}
}

func (cfg *connectionConfig) validate() error {
	if cfg.maxFrameSize < protocol.MinMaxFrameSize {
		return fmt.Errorf("max frame size %d below minimum %d", cfg.maxFrameSize, protocol.MinMaxFrameSize)
	}
	if cfg.channelMax < 1 {
		return errors.New("channel max must be at least 1")
	}
	if cfg.emptyFrameSendRatio < 0 || cfg.emptyFrameSendRatio > 1 {
		return fmt.Errorf("empty frame send ratio %v outside [0, 1]", cfg.emptyFrameSendRatio)
	}
	if cfg.idleWaitTime <= 0 {
		return errors.New("idle wait time must be positive")
	}
	if cfg.idleTimeout < 0 {
		return errors.New("idle timeout cannot be negative")
	}
	return nil
}

// WithContainerID sets the container id sent in Open. A random id is used
// when unset.
func WithContainerID(id string) Option {
	return func(cfg *connectionConfig) {
		cfg.containerID = id
	}
}

// WithHostname sets the virtual host name sent in Open
func WithHostname(hostname string) Option {
	return func(cfg *connectionConfig) {
		cfg.hostname = hostname
	}
}

// WithMaxFrameSize sets the largest frame this side accepts
func WithMaxFrameSize(size uint32) Option {
	return func(cfg *connectionConfig) {
		cfg.maxFrameSize = size
	}
}

// WithChannelMax sets the channel limit. Sessions use channels 1..max-1.
func WithChannelMax(max uint16) Option {
	return func(cfg *connectionConfig) {
		cfg.channelMax = max
	}
}

// WithIdleTimeout closes the connection when nothing is received for d
func WithIdleTimeout(d time.Duration) Option {
	return func(cfg *connectionConfig) {
		cfg.idleTimeout = d
	}
}

// WithOutgoingLocales sets the locales this side may write in
func WithOutgoingLocales(locales ...Symbol) Option {
	return func(cfg *connectionConfig) {
		cfg.outgoingLocales = locales
	}
}

// WithIncomingLocales sets the locales this side accepts
func WithIncomingLocales(locales ...Symbol) Option {
	return func(cfg *connectionConfig) {
		cfg.incomingLocales = locales
	}
}

// WithOfferedCapabilities sets the capabilities offered in Open
func WithOfferedCapabilities(caps ...Symbol) Option {
	return func(cfg *connectionConfig) {
		cfg.offeredCapabilities = caps
	}
}

// WithDesiredCapabilities sets the capabilities requested in Open
func WithDesiredCapabilities(caps ...Symbol) Option {
	return func(cfg *connectionConfig) {
		cfg.desiredCapabilities = caps
	}
}

// WithProperties sets the connection properties sent in Open
func WithProperties(props Fields) Option {
	return func(cfg *connectionConfig) {
		cfg.properties = props
	}
}

// WithProperty sets a single connection property
func WithProperty(key Symbol, value any) Option {
	return func(cfg *connectionConfig) {
		if cfg.properties == nil {
			cfg.properties = make(Fields)
		}
		cfg.properties[key] = value
	}
}

// WithAllowPipelinedOpen controls whether Open may be sent before the
// peer's protocol header arrives
func WithAllowPipelinedOpen(allow bool) Option {
	return func(cfg *connectionConfig) {
		cfg.allowPipelinedOpen = allow
	}
}

// WithEmptyFrameSendRatio sets the fraction of the peer's idle timeout after
// which an empty frame is sent
func WithEmptyFrameSendRatio(ratio float64) Option {
	return func(cfg *connectionConfig) {
		cfg.emptyFrameSendRatio = ratio
	}
}

// WithIdleWaitTime sets the poll interval used while waiting for a state
func WithIdleWaitTime(d time.Duration) Option {
	return func(cfg *connectionConfig) {
		cfg.idleWaitTime = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *connectionConfig) {
		cfg.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) Option {
	return func(cfg *connectionConfig) {
		cfg.metrics = metrics
	}
}

// WithErrorHandler sets the error handler
func WithErrorHandler(handler ErrorHandler) Option {
	return func(cfg *connectionConfig) {
		cfg.errorHandler = handler
	}
}

// WithTransport runs the connection over t instead of dialing the endpoint
func WithTransport(t Transport) Option {
	return func(cfg *connectionConfig) {
		cfg.transport = t
	}
}

// WithTLSConfig enables TLS with the given configuration
func WithTLSConfig(config *tls.Config) Option {
	return func(cfg *connectionConfig) {
		cfg.tlsConfig = config
	}
}

// WithDialRetries sets how many times a failed dial is retried
func WithDialRetries(retries uint64) Option {
	return func(cfg *connectionConfig) {
		cfg.dialRetries = retries
	}
}

// WithDialTimeout bounds each dial attempt
func WithDialTimeout(d time.Duration) Option {
	return func(cfg *connectionConfig) {
		cfg.dialTimeout = d
	}
}

// WithNegotiator runs n on the raw stream before the AMQP header exchange,
// for example to complete SASL
func WithNegotiator(n transport.Negotiator) Option {
	return func(cfg *connectionConfig) {
		cfg.negotiator = n
	}
}

// WithClock sets the clock used for timeouts and heartbeats
func WithClock(c clock.Clock) Option {
	return func(cfg *connectionConfig) {
		cfg.clock = c
	}
}

// WithStateListener registers a listener for connection state changes
func WithStateListener(l ConnectionStateListener) Option {
	return func(cfg *connectionConfig) {
		cfg.listeners = append(cfg.listeners, l)
	}
}

// SessionOption is a functional option for CreateSession
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	incomingWindow uint32
	outgoingWindow uint32
	handleMax      uint32
	listeners      []SessionStateListener
}

func defaultSessionConfig() sessionConfig {
	return sessionConfig{
		incomingWindow: protocol.DefaultIncomingWindow,
		outgoingWindow: protocol.DefaultOutgoingWindow,
		handleMax:      protocol.DefaultHandleMax,
	}
}

// WithIncomingWindow sets how many transfers the peer may send before the
// window is re-issued
func WithIncomingWindow(n uint32) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.incomingWindow = n
	}
}

// WithOutgoingWindow sets how many transfers may be queued while the peer's
// window is closed
func WithOutgoingWindow(n uint32) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.outgoingWindow = n
	}
}

// WithHandleMax sets the highest link handle
func WithHandleMax(max uint32) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.handleMax = max
	}
}

// WithSessionStateListener registers a listener for session state changes
func WithSessionStateListener(l SessionStateListener) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.listeners = append(cfg.listeners, l)
	}
}

// LinkOption is a functional option for link creation
type LinkOption func(*linkConfig)

type linkConfig struct {
	name               string
	senderSettleMode   SenderSettleMode
	receiverSettleMode ReceiverSettleMode
	credit             uint32
	maxMessageSize     uint64
	properties         Fields
	source             *Source
	target             *Target
	listeners          []LinkStateListener
}

func defaultLinkConfig() linkConfig {
	return linkConfig{
		senderSettleMode:   SenderSettleModeUnsettled,
		receiverSettleMode: ReceiverSettleModeFirst,
		credit:             protocol.DefaultLinkCredit,
	}
}

// WithLinkName sets the link name. A random name is used when unset.
func WithLinkName(name string) LinkOption {
	return func(cfg *linkConfig) {
		cfg.name = name
	}
}

// WithSenderSettleMode sets the sender settle mode requested in Attach
func WithSenderSettleMode(mode SenderSettleMode) LinkOption {
	return func(cfg *linkConfig) {
		cfg.senderSettleMode = mode
	}
}

// WithReceiverSettleMode sets the receiver settle mode requested in Attach
func WithReceiverSettleMode(mode ReceiverSettleMode) LinkOption {
	return func(cfg *linkConfig) {
		cfg.receiverSettleMode = mode
	}
}

// WithCredit sets the credit a receiver keeps granted to its peer
func WithCredit(credit uint32) LinkOption {
	return func(cfg *linkConfig) {
		cfg.credit = credit
	}
}

// WithMaxMessageSize sets the largest message the link accepts. Zero means
// no limit.
func WithMaxMessageSize(size uint64) LinkOption {
	return func(cfg *linkConfig) {
		cfg.maxMessageSize = size
	}
}

// WithLinkProperties sets the link properties sent in Attach
func WithLinkProperties(props Fields) LinkOption {
	return func(cfg *linkConfig) {
		cfg.properties = props
	}
}

// WithSource sets the source terminus in full
func WithSource(s *Source) LinkOption {
	return func(cfg *linkConfig) {
		cfg.source = s
	}
}

// WithTarget sets the target terminus in full
func WithTarget(t *Target) LinkOption {
	return func(cfg *linkConfig) {
		cfg.target = t
	}
}

// WithLinkStateListener registers a listener for link state changes
func WithLinkStateListener(l LinkStateListener) LinkOption {
	return func(cfg *linkConfig) {
		cfg.listeners = append(cfg.listeners, l)
	}
}
