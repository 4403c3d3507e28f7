package reliable

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycore-project/relaycore/internal/protocol"
	"github.com/relaycore-project/relaycore/internal/util"
)

// ErrRetriesExhausted marks a delivery abandoned after its last retransmission.
var ErrRetriesExhausted = errors.New("retries exhausted")

// DefaultRetryInterval is how often the retry loop scans the ledger.
const DefaultRetryInterval = 50 * time.Millisecond

// RawSender writes one encoded datagram. The transport implements it.
type RawSender interface {
	SendRaw(payload []byte, to netip.AddrPort) error
}

// DeliveryFailure describes a reliable delivery that was given up on.
type DeliveryFailure struct {
	Delivery PendingDelivery
	Err      error
}

func (f *DeliveryFailure) Error() string {
	return fmt.Sprintf("delivery %s to %s failed after %d attempts: %v",
		f.Delivery.MessageID, f.Delivery.Destination, f.Delivery.Attempts, f.Err)
}

func (f *DeliveryFailure) Unwrap() error {
	return f.Err
}

// FailureReporter is told about every abandoned delivery.
type FailureReporter interface {
	DeliveryFailed(ctx context.Context, failure *DeliveryFailure)
}

// ReporterFunc adapts a function to FailureReporter.
type ReporterFunc func(ctx context.Context, failure *DeliveryFailure)

func (f ReporterFunc) DeliveryFailed(ctx context.Context, failure *DeliveryFailure) {
	f(ctx, failure)
}

// Sender sends envelopes and retransmits reliable ones until they are
// acknowledged or exhausted.
type Sender struct {
	ledger   *Ledger
	raw      RawSender
	codec    protocol.Codec
	interval time.Duration
	reporter FailureReporter
	logger   zerolog.Logger
}

// NewSender creates a sender. A nil reporter only logs failures.
func NewSender(ledger *Ledger, raw RawSender, codec protocol.Codec, interval time.Duration, reporter FailureReporter) *Sender {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	return &Sender{
		ledger:   ledger,
		raw:      raw,
		codec:    codec,
		interval: interval,
		reporter: reporter,
		logger:   util.ComponentLogger("reliable"),
	}
}

// Ledger returns the ack ledger the sender retires deliveries from.
func (s *Sender) Ledger() *Ledger {
	return s.ledger
}

// Send encodes env and sends it to dest. An envelope without an id is sent
// once and the write error, if any, is returned. An envelope with an id is
// registered as pending first; a failed first write is left to the retry
// loop.
func (s *Sender) Send(ctx context.Context, env protocol.Envelope, dest netip.AddrPort) error {
	line, err := s.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Category, err)
	}
	payload := []byte(line)

	if !env.Reliable() {
		if err := s.raw.SendRaw(payload, dest); err != nil {
			return fmt.Errorf("send to %s: %w", dest, err)
		}
		return nil
	}

	s.ledger.RegisterPending(dest, env.ID, env.NormalizedCategory(), payload)
	if err := s.raw.SendRaw(payload, dest); err != nil {
		s.logger.Warn().
			Err(err).
			Str("remote", dest.String()).
			Str("id", env.ID).
			Msg("first send failed, will retry")
	}
	return nil
}

// HandleAck retires the delivery of id to from. Unknown ids are ignored.
func (s *Sender) HandleAck(from netip.AddrPort, id string) bool {
	ok := s.ledger.Acknowledge(from, id)
	if !ok {
		s.logger.Debug().
			Str("remote", from.String()).
			Str("id", id).
			Msg("ack for unknown delivery")
	}
	return ok
}

// Run scans the ledger every retry interval until ctx is cancelled.
func (s *Sender) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.scan(ctx, now)
		}
	}
}

func (s *Sender) scan(ctx context.Context, now time.Time) {
	due, exhausted := s.ledger.DueForRetry(now)

	for _, p := range due {
		if err := s.raw.SendRaw(p.Payload, p.Destination); err != nil {
			s.logger.Warn().
				Err(err).
				Str("remote", p.Destination.String()).
				Str("id", p.MessageID).
				Int("attempts", p.Attempts).
				Msg("retransmit failed")
			continue
		}
		s.logger.Debug().
			Str("remote", p.Destination.String()).
			Str("id", p.MessageID).
			Int("attempts", p.Attempts).
			Msg("retransmitted")
	}

	for _, p := range exhausted {
		failure := &DeliveryFailure{Delivery: p, Err: ErrRetriesExhausted}
		s.logger.Warn().
			Str("remote", p.Destination.String()).
			Str("id", p.MessageID).
			Str("category", p.Category).
			Int("attempts", p.Attempts).
			Msg("delivery abandoned")
		if s.reporter != nil {
			s.reporter.DeliveryFailed(ctx, failure)
		}
	}
}
