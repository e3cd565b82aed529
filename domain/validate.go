package domain

import (
	"regexp"
	"strings"
	"time"
)

// Validation runs on fully-populated inputs before any transition method is
// invoked, so an invalid submission never reaches the mutation API.

var (
	emailPattern  = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	mobilePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
	// NI number format: two prefix letters, six digits, suffix A-D.
	ninoPattern = regexp.MustCompile(`^[A-CEGHJ-PR-TW-Z]{2}[0-9]{6}[A-D]$`)
	trnPattern  = regexp.MustCompile(`^[0-9]{7}$`)
)

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func NormalizeMobile(number string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(number) {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func NormalizeNino(nino string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(nino), " ", ""))
}

// NormalizeTrn strips the separators users commonly type ("RP99/12345").
func NormalizeTrn(trn string) string {
	trn = strings.TrimSpace(strings.ToUpper(trn))
	trn = strings.TrimPrefix(trn, "RP")
	trn = strings.ReplaceAll(trn, "/", "")
	trn = strings.ReplaceAll(trn, " ", "")
	return trn
}

func ValidateEmail(email string) error {
	if !emailPattern.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}

func ValidateMobile(number string) error {
	if !mobilePattern.MatchString(number) {
		return ErrInvalidMobile
	}
	return nil
}

func ValidateNino(nino string) error {
	if !ninoPattern.MatchString(nino) {
		return ErrInvalidNino
	}
	return nil
}

func ValidateTrn(trn string) error {
	if !trnPattern.MatchString(trn) {
		return ErrInvalidTrn
	}
	return nil
}

// ValidateDateOfBirth rejects future dates and implausible ages.
func ValidateDateOfBirth(dob, now time.Time) error {
	if dob.After(now) || now.Year()-dob.Year() > 120 {
		return ErrInvalidDateOfBirth
	}
	return nil
}
