package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestState(jt JourneyType) *AuthenticationState {
	return NewAuthenticationState(jt, RequireDefaultUserType, "", nil, testNow)
}

func TestNewAuthenticationState(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		s := NewAuthenticationState(JourneyRegistration, RequireDefaultUserType, "", nil, testNow)
		assert.NotEmpty(t, s.JourneyID)
		assert.Equal(t, JourneyRegistration, s.JourneyType)
		assert.Equal(t, MatchPolicyDefault, s.MatchPolicy)
		assert.Equal(t, TrnLookupNotStarted, s.TrnLookupStatus)
		assert.False(t, s.Complete())
	})

	t.Run("Explicit policy is kept", func(t *testing.T) {
		s := NewAuthenticationState(JourneySignIn, RequireDefaultUserType, MatchPolicyStrict, nil, testNow)
		assert.Equal(t, MatchPolicyStrict, s.MatchPolicy)
	})

	t.Run("Unique journey IDs", func(t *testing.T) {
		a := newTestState(JourneySignIn)
		b := newTestState(JourneySignIn)
		assert.NotEqual(t, a.JourneyID, b.JourneyID)
	})
}

func TestAuthenticationState_Email(t *testing.T) {
	t.Run("Set normalizes and validates", func(t *testing.T) {
		s := newTestState(JourneyRegistration)
		require.NoError(t, s.OnEmailSet("  Jane.Doe@Example.COM "))
		require.NotNil(t, s.EmailAddress)
		assert.Equal(t, "jane.doe@example.com", *s.EmailAddress)
	})

	t.Run("Invalid email rejected", func(t *testing.T) {
		s := newTestState(JourneyRegistration)
		assert.ErrorIs(t, s.OnEmailSet("not-an-email"), ErrInvalidEmail)
		assert.Nil(t, s.EmailAddress)
	})

	t.Run("Changing address resets verification", func(t *testing.T) {
		s := newTestState(JourneyRegistration)
		require.NoError(t, s.OnEmailSet("jane@example.com"))
		require.NoError(t, s.OnEmailVerified())
		require.True(t, s.EmailVerified)

		require.NoError(t, s.OnEmailSet("jane2@example.com"))
		assert.False(t, s.EmailVerified)
	})

	t.Run("Re-submitting same address keeps verification", func(t *testing.T) {
		s := newTestState(JourneyRegistration)
		require.NoError(t, s.OnEmailSet("jane@example.com"))
		require.NoError(t, s.OnEmailVerified())

		require.NoError(t, s.OnEmailSet("JANE@example.com"))
		assert.True(t, s.EmailVerified)
	})

	t.Run("Verify without address fails", func(t *testing.T) {
		s := newTestState(JourneyRegistration)
		assert.ErrorIs(t, s.OnEmailVerified(), ErrEmailNotSet)
	})
}

func TestAuthenticationState_Mobile(t *testing.T) {
	t.Run("Set and verify", func(t *testing.T) {
		s := newTestState(JourneyRegistration)
		require.NoError(t, s.OnMobileSet("07700 900123"))
		require.NoError(t, s.OnMobileVerified())
		assert.True(t, s.MobileVerified)
	})

	t.Run("Changing number resets verification", func(t *testing.T) {
		s := newTestState(JourneyRegistration)
		require.NoError(t, s.OnMobileSet("07700900123"))
		require.NoError(t, s.OnMobileVerified())

		require.NoError(t, s.OnMobileSet("07700900456"))
		assert.False(t, s.MobileVerified)
	})

	t.Run("Verify without number fails", func(t *testing.T) {
		s := newTestState(JourneyRegistration)
		assert.ErrorIs(t, s.OnMobileVerified(), ErrMobileNotSet)
	})
}

func TestAuthenticationState_BranchGuards(t *testing.T) {
	t.Run("Nino requires yes answer first", func(t *testing.T) {
		s := newTestState(JourneyRegistration)
		assert.ErrorIs(t, s.OnNinoSet("QQ123456C"), ErrBranchNotTaken)

		s.OnHasNinoAnswered(false)
		assert.ErrorIs(t, s.OnNinoSet("QQ123456C"), ErrBranchNotTaken)

		s.OnHasNinoAnswered(true)
		require.NoError(t, s.OnNinoSet("ab 12 34 56 c"))
		require.NotNil(t, s.NationalInsuranceNumber)
		assert.Equal(t, "AB123456C", *s.NationalInsuranceNumber)
	})

	t.Run("Answering no clears captured nino", func(t *testing.T) {
		s := newTestState(JourneyRegistration)
		s.OnHasNinoAnswered(true)
		require.NoError(t, s.OnNinoSet("AB123456C"))

		s.OnHasNinoAnswered(false)
		assert.Nil(t, s.NationalInsuranceNumber)
	})

	t.Run("Stated TRN requires yes answer first", func(t *testing.T) {
		s := newTestState(JourneyRegistration)
		assert.ErrorIs(t, s.OnStatedTrnSet("1234567"), ErrBranchNotTaken)

		s.OnHasTrnAnswered(true)
		require.NoError(t, s.OnStatedTrnSet(" 123 4567 "))
		require.NotNil(t, s.StatedTrn)
		assert.Equal(t, "1234567", *s.StatedTrn)
		assert.Nil(t, s.Trn, "stated TRN must never become the confirmed TRN")
	})

	t.Run("Answering no clears stated TRN", func(t *testing.T) {
		s := newTestState(JourneyRegistration)
		s.OnHasTrnAnswered(true)
		require.NoError(t, s.OnStatedTrnSet("1234567"))

		s.OnHasTrnAnswered(false)
		assert.Nil(t, s.StatedTrn)
	})

	t.Run("Previous name requires value on yes", func(t *testing.T) {
		s := newTestState(JourneyRegistration)
		assert.ErrorIs(t, s.OnHasPreviousNameAnswered(true, "  "), ErrNameRequired)
		require.NoError(t, s.OnHasPreviousNameAnswered(true, "Smith"))
		require.NotNil(t, s.PreviousLastName)
		assert.Equal(t, "Smith", *s.PreviousLastName)

		require.NoError(t, s.OnHasPreviousNameAnswered(false, ""))
		assert.Nil(t, s.PreviousLastName)
	})
}

func TestAuthenticationState_OnTrnLookupCompleted(t *testing.T) {
	t.Run("Found records confirmed TRN", func(t *testing.T) {
		s := newTestState(JourneyRegistration)
		require.NoError(t, s.OnTrnLookupCompleted(TrnLookupResult{Status: TrnMatchFound, Trn: "1234567"}))
		require.NotNil(t, s.Trn)
		assert.Equal(t, "1234567", *s.Trn)
		assert.Equal(t, TrnLookupFound, s.TrnLookupStatus)
		assert.True(t, s.TrnResolutionConcluded())
	})

	t.Run("Found without TRN is invalid", func(t *testing.T) {
		s := newTestState(JourneyRegistration)
		assert.ErrorIs(t, s.OnTrnLookupCompleted(TrnLookupResult{Status: TrnMatchFound}), ErrInvalidLookupResult)
	})

	t.Run("Pending concludes without a TRN", func(t *testing.T) {
		s := newTestState(JourneyRegistration)
		require.NoError(t, s.OnTrnLookupCompleted(TrnLookupResult{Status: TrnMatchPending}))
		assert.Nil(t, s.Trn)
		assert.Equal(t, TrnLookupPending, s.TrnLookupStatus)
		assert.True(t, s.TrnResolutionConcluded())
	})

	t.Run("Conflict records the owning account email", func(t *testing.T) {
		s := newTestState(JourneyRegistration)
		require.NoError(t, s.OnTrnLookupCompleted(TrnLookupResult{
			Status:               TrnMatchConflict,
			ConflictingUserEmail: "owner@example.com",
		}))
		assert.Nil(t, s.Trn)
		assert.Equal(t, TrnLookupFailed, s.TrnLookupStatus)
		require.NotNil(t, s.TrnConflictEmail)
		assert.Equal(t, "owner@example.com", *s.TrnConflictEmail)
	})

	t.Run("Conflict without email is invalid", func(t *testing.T) {
		s := newTestState(JourneyRegistration)
		assert.ErrorIs(t, s.OnTrnLookupCompleted(TrnLookupResult{Status: TrnMatchConflict}), ErrInvalidLookupResult)
	})

	t.Run("Unknown status is invalid", func(t *testing.T) {
		s := newTestState(JourneyRegistration)
		assert.ErrorIs(t, s.OnTrnLookupCompleted(TrnLookupResult{Status: "NONSENSE"}), ErrInvalidLookupResult)
	})
}

func TestAuthenticationState_UserBinding(t *testing.T) {
	registered := func() *AuthenticationState {
		s := newTestState(JourneyRegistration)
		require.NoError(t, s.OnEmailSet("jane@example.com"))
		require.NoError(t, s.OnEmailVerified())
		require.NoError(t, s.OnNameSet("Jane", "", "Doe"))
		require.NoError(t, s.OnDateOfBirthSet(time.Date(1990, 2, 3, 0, 0, 0, 0, time.UTC), testNow))
		return s
	}

	t.Run("OnUserRegistered binds and completes", func(t *testing.T) {
		s := registered()
		u := &User{ID: "u-1", UserType: UserTypeDefault}
		require.NoError(t, s.OnUserRegistered(u))
		assert.True(t, s.Complete())
		require.NotNil(t, s.UserType)
		assert.Equal(t, UserTypeDefault, *s.UserType)
	})

	t.Run("OnUserRegistered requires verified email", func(t *testing.T) {
		s := registered()
		s.EmailVerified = false
		assert.ErrorIs(t, s.OnUserRegistered(&User{ID: "u-1", UserType: UserTypeDefault}), ErrEmailNotVerified)
	})

	t.Run("OnUserRegistered requires identity for default users", func(t *testing.T) {
		s := newTestState(JourneyRegistration)
		require.NoError(t, s.OnEmailSet("jane@example.com"))
		require.NoError(t, s.OnEmailVerified())
		assert.ErrorIs(t, s.OnUserRegistered(&User{ID: "u-1", UserType: UserTypeDefault}), ErrIdentityIncomplete)
	})

	t.Run("OnUserSignedIn backfills from account", func(t *testing.T) {
		s := newTestState(JourneySignIn)
		require.NoError(t, s.OnEmailSet("jane@example.com"))
		require.NoError(t, s.OnEmailVerified())

		dob := time.Date(1990, 2, 3, 0, 0, 0, 0, time.UTC)
		trn := "1234567"
		u := &User{ID: "u-2", FirstName: "Jane", LastName: "Doe", DateOfBirth: &dob, Trn: &trn, UserType: UserTypeDefault}
		require.NoError(t, s.OnUserSignedIn(u))

		assert.True(t, s.Complete())
		require.NotNil(t, s.Trn)
		assert.Equal(t, "1234567", *s.Trn)
		assert.Equal(t, TrnLookupFound, s.TrnLookupStatus)
	})

	t.Run("OnUserSignedIn requires verified email", func(t *testing.T) {
		s := newTestState(JourneySignIn)
		require.NoError(t, s.OnEmailSet("jane@example.com"))
		assert.ErrorIs(t, s.OnUserSignedIn(&User{ID: "u-2", UserType: UserTypeDefault}), ErrEmailNotVerified)
	})
}

func TestAuthenticationState_TrnRequired(t *testing.T) {
	t.Run("By client requirement", func(t *testing.T) {
		s := NewAuthenticationState(JourneySignIn, RequireDefaultUserType|RequireTrnHolder, "", nil, testNow)
		assert.True(t, s.TrnRequired())
	})

	t.Run("By OAuth scope", func(t *testing.T) {
		s := NewAuthenticationState(JourneySignIn, RequireDefaultUserType, "", &OAuthState{Scope: "openid profile trn"}, testNow)
		assert.True(t, s.TrnRequired())
	})

	t.Run("Neither", func(t *testing.T) {
		s := NewAuthenticationState(JourneySignIn, RequireDefaultUserType, "", &OAuthState{Scope: "openid email"}, testNow)
		assert.False(t, s.TrnRequired())
	})
}

func TestAuthenticationState_Expired(t *testing.T) {
	s := newTestState(JourneySignIn)
	assert.False(t, s.Expired(testNow.Add(23*time.Hour), 24*time.Hour))
	assert.True(t, s.Expired(testNow.Add(25*time.Hour), 24*time.Hour))
}

func TestOAuthState_HasScope(t *testing.T) {
	var nilState *OAuthState
	assert.False(t, nilState.HasScope(ScopeTrn))

	s := &OAuthState{Scope: "openid profile trn"}
	assert.True(t, s.HasScope(ScopeOpenID))
	assert.True(t, s.HasScope(ScopeTrn))
	assert.False(t, s.HasScope(ScopeEmail))
	assert.False(t, s.HasScope("tr"))
}
