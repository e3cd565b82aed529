package domain

import "time"

// PinChannel is the delivery channel a one-time code was issued for.
type PinChannel string

const (
	PinChannelEmail PinChannel = "email"
	PinChannelSms   PinChannel = "sms"
)

// OneTimePinRecord is one issued code. The code is opaque, compared by
// equality only and never logged. A consumed record never validates again.
type OneTimePinRecord struct {
	ID         string     `bson:"_id"`
	Channel    PinChannel `bson:"channel"`
	Address    string     `bson:"address"`
	Code       string     `bson:"code"`
	IssuedAt   time.Time  `bson:"issued_at"`
	ExpiresAt  time.Time  `bson:"expires_at"`
	ConsumedAt *time.Time `bson:"consumed_at,omitempty"`
}

func (p *OneTimePinRecord) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

func (p *OneTimePinRecord) Consumed() bool {
	return p.ConsumedAt != nil
}
