package identity

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var validateOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Enrollment is a new TOTP secret and its provisioning URL
type Enrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// EnrollTOTP generates a secret for identity
func EnrollTOTP(issuer, identity string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: identity,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}
	return &Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// VerifyTOTP checks code against secret at t, tolerating one period of skew
func VerifyTOTP(secret, code string, t time.Time) bool {
	if secret == "" || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, t.UTC(), validateOpts)
	return err == nil && ok
}

// TOTPCode returns the code for secret at t
func TOTPCode(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t.UTC(), validateOpts)
}
