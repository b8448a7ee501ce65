package identity

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/venuescout/accessguard/pkg/access"
	"github.com/venuescout/accessguard/pkg/config"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "JBSWY3DPEHPK3PXP"

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func jwtConfig() config.JWTConfig {
	return config.JWTConfig{
		SecretKey:      "test-secret-key",
		AccessTokenTTL: time.Hour,
		Issuer:         "accessguard",
		Audience:       "venuescout",
	}
}

func TestTokenIssuer_RoundTrip(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer(jwtConfig()).WithClock(func() time.Time { return now })

	token, err := issuer.Issue("u1", "organizer", true, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.Equal(t, int64(3600), token.ExpiresIn)

	claims, err := issuer.Parse(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Identity())
	assert.Equal(t, "organizer", claims.Role)
	assert.True(t, claims.MFA)
	assert.Equal(t, "dev-1", claims.DeviceID)
}

func TestTokenIssuer_Rejects(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	issuer := NewTokenIssuer(jwtConfig()).WithClock(func() time.Time { return clock })

	token, err := issuer.Issue("u1", "member", false, "")
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		clock = now.Add(2 * time.Hour)
		defer func() { clock = now }()
		_, err := issuer.Parse(token.AccessToken)
		assert.ErrorIs(t, err, access.ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		cfg := jwtConfig()
		cfg.SecretKey = "other"
		other := NewTokenIssuer(cfg).WithClock(func() time.Time { return now })
		_, err := other.Parse(token.AccessToken)
		assert.ErrorIs(t, err, access.ErrInvalidToken)
	})

	t.Run("wrong audience", func(t *testing.T) {
		cfg := jwtConfig()
		cfg.Audience = "someone-else"
		other := NewTokenIssuer(cfg).WithClock(func() time.Time { return now })
		_, err := other.Parse(token.AccessToken)
		assert.True(t, access.IsAuth(err))
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := issuer.Parse("not-a-token")
		assert.ErrorIs(t, err, access.ErrInvalidToken)
	})
}

func TestPassword(t *testing.T) {
	hash, err := hashPassword("correct horse", bcrypt.MinCost)
	require.NoError(t, err)

	ok, err := VerifyPassword(hash, "correct horse")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword(hash, "battery staple")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyPassword("not-a-hash", "x")
	assert.Error(t, err)
}

func TestTOTP(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	code, err := TOTPCode(testSecret, at)
	require.NoError(t, err)

	assert.True(t, VerifyTOTP(testSecret, code, at))
	assert.True(t, VerifyTOTP(testSecret, code, at.Add(30*time.Second)), "one period of skew")
	assert.False(t, VerifyTOTP(testSecret, code, at.Add(5*time.Minute)))
	assert.False(t, VerifyTOTP("", code, at))

	enrollment, err := EnrollTOTP("accessguard", "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.Secret)
	assert.Contains(t, enrollment.URL, "otpauth://totp/")
}

func TestDirectory_Authenticate(t *testing.T) {
	hash, err := hashPassword("pw", bcrypt.MinCost)
	require.NoError(t, err)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	dir := NewDirectory([]config.UserConfig{
		{Identity: "u1", Role: "organizer", PasswordHash: hash, TOTPSecret: testSecret},
		{Identity: "u2", Role: "member", PasswordHash: hash},
	}, quietLogger()).WithClock(func() time.Time { return at })

	code, err := TOTPCode(testSecret, at)
	require.NoError(t, err)

	v, err := dir.Authenticate("u1", "pw", code)
	require.NoError(t, err)
	assert.Equal(t, "organizer", v.Role)
	assert.True(t, v.MFAVerified)

	v, err = dir.Authenticate("u1", "pw", "000000")
	require.NoError(t, err)
	assert.False(t, v.MFAVerified, "bad code leaves mfa unverified")

	v, err = dir.Authenticate("u2", "pw", code)
	require.NoError(t, err)
	assert.False(t, v.MFAVerified, "not enrolled")

	_, err = dir.Authenticate("u1", "wrong", "")
	assert.ErrorIs(t, err, access.ErrBadCredentials)
	_, err = dir.Authenticate("ghost", "pw", "")
	assert.ErrorIs(t, err, access.ErrBadCredentials)
}
