package mfa

import (
	"bytes"
	"crypto/subtle"
	"fmt"
	"image/png"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
)

// TOTP parameters (RFC 6238 defaults understood by every authenticator app)
const (
	Period     = 30
	Skew       = 1
	Digits     = otp.DigitsSix
	SecretSize = 20 // 160 bits
)

// DefaultIssuer is shown in authenticator apps when none is configured
const DefaultIssuer = "idp-oauth"

// Enrollment is a freshly generated TOTP secret
type Enrollment struct {
	// Secret is the base32 encoded shared secret
	Secret string

	// URL is the otpauth:// provisioning URI
	URL string
}

// Verifier generates and validates TOTP codes
type Verifier struct {
	issuer string
}

// NewVerifier creates a Verifier labelling secrets with issuer
func NewVerifier(issuer string) *Verifier {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Verifier{issuer: issuer}
}

// GenerateSecret creates a 160-bit secret for accountName
func (v *Verifier) GenerateSecret(accountName string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: accountName,
		Period:      Period,
		SecretSize:  SecretSize,
		Digits:      Digits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	return &Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

func validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    Period,
		Skew:      Skew,
		Digits:    Digits,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// CurrentCode returns the code for the time step containing t
func (v *Verifier) CurrentCode(secret string, t time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, t, validateOpts())
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP code: %w", err)
	}
	return code, nil
}

// Verify accepts code if it matches the step of now or one step either side
func (v *Verifier) Verify(secret, code string, now time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, now, validateOpts())
	return err == nil && ok
}

// MatchStep is Verify returning the matched time step, so callers can refuse
// a step that was already accepted.
func (v *Verifier) MatchStep(secret, code string, now time.Time) (int64, bool) {
	if len(code) != Digits.Length() {
		return 0, false
	}

	current := now.Unix() / Period
	opts := hotp.ValidateOpts{Digits: Digits, Algorithm: otp.AlgorithmSHA1}

	var matched int64
	found := false
	// Every candidate is computed so timing does not reveal which step matched
	for d := int64(-Skew); d <= Skew; d++ {
		step := current + d
		if step < 0 {
			continue
		}
		want, err := hotp.GenerateCodeCustom(secret, uint64(step), opts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 && !found {
			matched, found = step, true
		}
	}
	return matched, found
}

// QRCode renders a provisioning URI as a size x size PNG
func QRCode(url string, size int) ([]byte, error) {
	key, err := otp.NewKeyFromURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid provisioning URL: %w", err)
	}
	img, err := key.Image(size, size)
	if err != nil {
		return nil, fmt.Errorf("failed to render QR code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}
	return buf.Bytes(), nil
}
