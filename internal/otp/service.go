package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/teaching-identity/idp/domain"
	"github.com/teaching-identity/idp/internal/metrics"
	"github.com/teaching-identity/idp/internal/ratelimit"
)

var (
	// ErrRateLimited is returned before any code is minted or stored.
	ErrRateLimited = errors.New("too many pin requests")
	// ErrInvalidAddress is returned for addresses that fail validation.
	ErrInvalidAddress = errors.New("invalid address for pin delivery")
)

// FailureReasons is a bitmask of verification failures, so callers can map
// each reason to a distinct user-facing message. Zero means success.
type FailureReasons uint8

// ReasonNone is the zero value: verification succeeded.
const ReasonNone FailureReasons = 0

const (
	ReasonRateLimited FailureReasons = 1 << iota
	ReasonNoPin                      // no code was ever sent, or none is still active
	ReasonExpired
	ReasonIncorrect
	ReasonExhausted // the code was already consumed (replay or a lost race)
)

func (r FailureReasons) Has(flag FailureReasons) bool { return r&flag != 0 }
func (r FailureReasons) Success() bool                { return r == ReasonNone }

// Sender delivers codes. Fire-and-forget from the engine's perspective;
// synchronous gateway failures surface as generation failures.
type Sender interface {
	SendEmailPin(ctx context.Context, address, code string) error
	SendSmsPin(ctx context.Context, number, code string) error
}

// Service is the one-time-code store: it generates, persists and checks PIN
// codes per (channel, address) with expiry and anti-abuse rate limiting.
type Service struct {
	pins       domain.PinRepository
	limiter    ratelimit.Limiter
	sender     Sender
	codeLength int
	lifetime   time.Duration
	Now        func() time.Time
}

// NewService creates the store. codeLength is the number of PIN digits.
func NewService(pins domain.PinRepository, limiter ratelimit.Limiter, sender Sender, codeLength int, lifetime time.Duration) *Service {
	return &Service{
		pins:       pins,
		limiter:    limiter,
		sender:     sender,
		codeLength: codeLength,
		lifetime:   lifetime,
		Now:        time.Now,
	}
}

// GeneratePin mints, stores and dispatches a new code for the address. The
// rate limiter runs first, before a code exists, so address probing is
// rejected cheaply and no record is written for a rejected call. Previous
// unconsumed codes for the address stay valid.
func (s *Service) GeneratePin(ctx context.Context, channel domain.PinChannel, address string) (*domain.OneTimePinRecord, error) {
	address, err := normalizeAddress(channel, address)
	if err != nil {
		return nil, err
	}

	if err := s.limiter.Allow(ctx, ratelimit.OpPinGeneration, limiterSubject(channel, address)); err != nil {
		if errors.Is(err, ratelimit.ErrLimitExceeded) {
			metrics.PinRateLimitedTotal.Inc()
			return nil, ErrRateLimited
		}
		return nil, err
	}

	code, err := generateCode(s.codeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate pin code: %w", err)
	}

	now := s.Now().UTC()
	record := &domain.OneTimePinRecord{
		ID:        uuid.NewString(),
		Channel:   channel,
		Address:   address,
		Code:      code,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.lifetime),
	}
	if err := s.pins.StorePin(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store pin: %w", err)
	}

	if err := s.dispatch(ctx, channel, address, code); err != nil {
		log.Error().Err(err).Str("channel", string(channel)).Msg("pin delivery failed")
		return nil, fmt.Errorf("failed to deliver pin: %w", err)
	}

	metrics.PinsIssuedTotal.WithLabelValues(string(channel)).Inc()
	return record, nil
}

// VerifyPin checks a supplied code against the most recently issued
// unconsumed record for the address. Checks run in a fixed order: attempt
// rate limit, record existence, expiry, equality, then an atomic consume so
// two near-simultaneous submissions of the same correct code cannot both
// succeed.
func (s *Service) VerifyPin(ctx context.Context, channel domain.PinChannel, address, supplied string) (FailureReasons, error) {
	address, err := normalizeAddress(channel, address)
	if err != nil {
		return ReasonNoPin, nil
	}

	if err := s.limiter.Allow(ctx, ratelimit.OpPinVerification, limiterSubject(channel, address)); err != nil {
		if errors.Is(err, ratelimit.ErrLimitExceeded) {
			metrics.PinRateLimitedTotal.Inc()
			return ReasonRateLimited, nil
		}
		return ReasonNone, err
	}

	record, err := s.pins.LatestActivePin(ctx, channel, address)
	if err != nil {
		if errors.Is(err, domain.ErrPinNotFound) {
			return ReasonNoPin, nil
		}
		return ReasonNone, err
	}

	now := s.Now().UTC()
	if record.Expired(now) {
		return ReasonExpired, nil
	}

	if !codesEqual(record.Code, supplied) {
		metrics.PinVerificationsTotal.WithLabelValues("incorrect").Inc()
		return ReasonIncorrect, nil
	}

	consumed, err := s.pins.ConsumePin(ctx, record.ID, now)
	if err != nil {
		return ReasonNone, err
	}
	if !consumed {
		metrics.PinVerificationsTotal.WithLabelValues("exhausted").Inc()
		return ReasonExhausted, nil
	}

	metrics.PinVerificationsTotal.WithLabelValues("success").Inc()
	return ReasonNone, nil
}

func (s *Service) dispatch(ctx context.Context, channel domain.PinChannel, address, code string) error {
	if channel == domain.PinChannelSms {
		return s.sender.SendSmsPin(ctx, address, code)
	}
	return s.sender.SendEmailPin(ctx, address, code)
}

func normalizeAddress(channel domain.PinChannel, address string) (string, error) {
	switch channel {
	case domain.PinChannelEmail:
		address = domain.NormalizeEmail(address)
		if domain.ValidateEmail(address) != nil {
			return "", ErrInvalidAddress
		}
	case domain.PinChannelSms:
		address = domain.NormalizeMobile(address)
		if domain.ValidateMobile(address) != nil {
			return "", ErrInvalidAddress
		}
	default:
		return "", ErrInvalidAddress
	}
	return address, nil
}

func limiterSubject(channel domain.PinChannel, address string) string {
	return string(channel) + ":" + address
}

// codesEqual compares in constant time relative to the code length so
// partial matches leak nothing through timing.
func codesEqual(stored, supplied string) bool {
	if len(stored) != len(supplied) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}

func generateCode(length int) (string, error) {
	var b strings.Builder
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
