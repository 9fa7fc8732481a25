package omcp

import (
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/http/httpguts"
)

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

const defaultChannelCapacity = 10

// DefaultMaxLineSize is the longest stream line, in bytes, an SSEClient accepts unless
// configured otherwise.
const DefaultMaxLineSize = 4 << 20

// WithSSEClientHeader adds a header sent with the stream GET and every outbound POST.
// Invalid names or values make NewSSEClient fail with ErrInvalidHeader.
func WithSSEClientHeader(name, value string) SSEClientOption {
	return func(s *SSEClient) {
		if !httpguts.ValidHeaderFieldName(name) {
			s.optErrs = append(s.optErrs, fmt.Errorf("%w: name %q", ErrInvalidHeader, name))
			return
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			s.optErrs = append(s.optErrs, fmt.Errorf("%w: value of %q", ErrInvalidHeader, name))
			return
		}
		s.header.Add(name, value)
	}
}

// WithSSEClientBearer authenticates every request with the given bearer token.
func WithSSEClientBearer(token string) SSEClientOption {
	return func(s *SSEClient) {
		WithSSEClientHeader("Authorization", "Bearer "+token)(s)
	}
}

// WithSSEClientLogger sets the logger, slog.Default() is used otherwise.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger
	}
}

// WithSSEClientInfo sets the name and version announced in the initialize request.
func WithSSEClientInfo(info Info) SSEClientOption {
	return func(s *SSEClient) {
		s.clientInfo = info
	}
}

// WithSSEClientReconnectPolicy sets the delay between attempts to reopen a dropped stream.
// The default waits DefaultReconnectDelay between attempts.
func WithSSEClientReconnectPolicy(policy ReconnectPolicy) SSEClientOption {
	return func(s *SSEClient) {
		s.policy = policy
	}
}

// WithSSEClientChannelCapacity sets how many events the pump may buffer ahead of the
// consumer before it blocks.
func WithSSEClientChannelCapacity(capacity int) SSEClientOption {
	return func(s *SSEClient) {
		if capacity > 0 {
			s.capacity = capacity
		}
	}
}

// WithSSEClientMaxLineSize sets the longest stream line, in bytes, the client accepts.
// Longer lines are dropped and logged, the stream itself stays open. A size of zero or
// less removes the limit.
func WithSSEClientMaxLineSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxLine = size
	}
}

// WithSSEClientMetrics registers the event pump collectors with reg. A registry can hold
// the collectors of a single client only.
func WithSSEClientMetrics(reg prometheus.Registerer) SSEClientOption {
	return func(s *SSEClient) {
		s.metrics = newPumpMetrics(reg)
	}
}

// WithSSEClientClock replaces the clock used to wait between reconnect attempts.
func WithSSEClientClock(clock clockwork.Clock) SSEClientOption {
	return func(s *SSEClient) {
		s.clock = clock
	}
}
