package domain

import "time"

// TrnVerificationLevel records how strongly a user's TRN association was
// proven. Low associations (legacy matching) can be elevated later.
type TrnVerificationLevel string

const (
	TrnVerificationNone TrnVerificationLevel = "NONE"
	TrnVerificationLow  TrnVerificationLevel = "LOW"
	TrnVerificationHigh TrnVerificationLevel = "HIGH"
)

// User represents a registered account.
type User struct {
	ID                      string               `bson:"_id"`
	Email                   string               `bson:"email"`
	FirstName               string               `bson:"first_name"`
	MiddleName              *string              `bson:"middle_name,omitempty"`
	LastName                string               `bson:"last_name"`
	PreferredName           *string              `bson:"preferred_name,omitempty"`
	DateOfBirth             *time.Time           `bson:"date_of_birth,omitempty"`
	MobileNumber            *string              `bson:"mobile_number,omitempty"`
	NationalInsuranceNumber *string              `bson:"national_insurance_number,omitempty"`
	Trn                     *string              `bson:"trn,omitempty"`
	TrnVerificationLevel    TrnVerificationLevel `bson:"trn_verification_level"`
	UserType                UserType             `bson:"user_type"`
	StaffRoles              []string             `bson:"staff_roles,omitempty"`
	PasswordHash            string               `bson:"password_hash,omitempty"` // staff accounts only
	MergedUserIDs           []string             `bson:"merged_user_ids,omitempty"`
	RegisteredAt            time.Time            `bson:"registered_at"`
	LastSignedInAt          *time.Time           `bson:"last_signed_in_at,omitempty"`
	UpdatedAt               time.Time            `bson:"updated_at"`
}

// Name returns the user's full official name.
func (u *User) Name() string {
	if u.MiddleName != nil {
		return u.FirstName + " " + *u.MiddleName + " " + u.LastName
	}
	return u.FirstName + " " + u.LastName
}
