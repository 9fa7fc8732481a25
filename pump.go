package omcp

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/jonboulle/clockwork"
)

const readChunkSize = 4096

// pump owns the live stream of one SSEClient session. It parses and classifies what it
// reads, publishes the resulting events in wire order and reopens the stream whenever it
// breaks. It never touches the client's session state.
type pump struct {
	origin  string
	open    func(ctx context.Context) (io.ReadCloser, error)
	events  chan<- Event
	policy  ReconnectPolicy
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *pumpMetrics

	parser FrameParser
}

// run reads body until ctx is cancelled. The events channel is closed when run returns,
// the returned error is ctx.Err().
//
// When the stream breaks an EventReset is published and the stream is reopened at once if
// it had delivered anything, otherwise after the delay of the reconnect policy. Failed
// attempts are retried after that delay too.
func (p *pump) run(ctx context.Context, body io.ReadCloser) error {
	defer close(p.events)

	b := p.policy.backOff()
	buf := make([]byte, readChunkSize)
	// fresh is set while the current stream has not delivered a single byte.
	fresh := false
	immediate := false
	for {
		if ctx.Err() != nil {
			if body != nil {
				body.Close()
			}
			return ctx.Err()
		}

		if body == nil {
			if !immediate && !sleep(ctx, p.clock, b.NextBackOff()) {
				return ctx.Err()
			}
			immediate = false
			p.metrics.reconnects.Inc()
			rc, err := p.open(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("failed to reopen event stream", "url", p.origin, "err", err)
				}
				continue
			}
			p.logger.Info("event stream reopened", "url", p.origin)
			p.parser.Reset()
			body = rc
			fresh = true
			continue
		}

		n, err := body.Read(buf)
		if n > 0 {
			if fresh {
				b.Reset()
				fresh = false
			}
			if pErr := p.publish(ctx, buf[:n]); pErr != nil {
				body.Close()
				return pErr
			}
		}
		if err != nil {
			body.Close()
			body = nil
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				p.logger.Warn("event stream ended, reconnecting", "url", p.origin)
			} else {
				p.logger.Warn("event stream interrupted, reconnecting", "url", p.origin, "err", err)
			}
			immediate = !fresh
			if pErr := p.emit(ctx, Event{Kind: EventReset}); pErr != nil {
				return pErr
			}
		}
	}
}

func (p *pump) publish(ctx context.Context, chunk []byte) error {
	frames, err := p.parser.Feed(chunk)
	if err != nil {
		p.logger.Warn("dropped stream lines", "err", err)
		if errors.Is(err, ErrInvalidEncoding) {
			p.metrics.frameErrors.WithLabelValues(frameErrorEncoding).Inc()
		}
		if errors.Is(err, ErrLineTooLong) {
			p.metrics.frameErrors.WithLabelValues(frameErrorLineTooLong).Inc()
		}
	}

	for _, frame := range frames {
		ev, err := Classify(p.origin, frame)
		if err != nil {
			p.logger.Warn("dropped frame", "event", frame.Event, "err", err)
			p.metrics.frameErrors.WithLabelValues(frameErrorReason(err)).Inc()
			continue
		}
		if ev.Kind == EventMessage && ev.Message.Error != nil &&
			ev.Message.Error.Code == deserializationFailureCode && ev.Message.ID == nil {
			p.logger.Warn("received undecodable message", "data", frame.Data)
		}

		if err := p.emit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (p *pump) emit(ctx context.Context, ev Event) error {
	p.metrics.events.WithLabelValues(ev.Kind.String()).Inc()
	select {
	case p.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func frameErrorReason(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedEventType):
		return frameErrorUnsupportedEvent
	case errors.Is(err, ErrInvalidEndpoint):
		return frameErrorInvalidEndpoint
	default:
		return frameErrorOther
	}
}
