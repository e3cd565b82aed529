package otp

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LogSender is the development Sender: it records that a dispatch happened
// without integrating a real email or SMS gateway. Codes are never written
// to the log on any path.
type LogSender struct{}

var _ Sender = (*LogSender)(nil)

func (LogSender) SendEmailPin(_ context.Context, address, _ string) error {
	log.Info().Str("address", address).Msg("Email pin dispatched")
	return nil
}

func (LogSender) SendSmsPin(_ context.Context, number, _ string) error {
	log.Info().Str("number", number).Msg("SMS pin dispatched")
	return nil
}
