// Package totp generates and verifies RFC 6238 time-based one-time codes,
// builds provisioning URIs and QR images for authenticator apps, and manages
// single-use backup codes.
package totp

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"image/png"
	"strings"
	"time"

	"apigate/internal/models"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// SecretSize is the number of random bytes in a new secret (160 bits).
	SecretSize = 20

	// Period is the code step.
	Period = 30 * time.Second

	// QRCodeSize is the edge length of the generated PNG in pixels.
	QRCodeSize = 200

	defaultLabel = "user"
)

// Offsets are the code steps accepted around the current one, checked in order.
var Offsets = []int{-1, 0, 1}

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Engine is configured once and shared; it holds no per-account state.
type Engine struct {
	issuer           string
	backupCodeCount  int
	backupCodeLength int
	now              func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects the time source used for verification.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine with the configured issuer and backup code shape.
func NewEngine(cfg models.TwoFactorConfig, opts ...Option) *Engine {
	e := &Engine{
		issuer:           cfg.Issuer,
		backupCodeCount:  cfg.BackupCodeCount,
		backupCodeLength: cfg.BackupCodeLength,
		now:              time.Now,
	}
	if e.issuer == "" {
		e.issuer = "MyApp"
	}
	if e.backupCodeCount <= 0 {
		e.backupCodeCount = DefaultBackupCodeCount
	}
	if e.backupCodeLength <= 0 {
		e.backupCodeLength = DefaultBackupCodeLength
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Issuer returns the name shown by authenticator apps.
func (e *Engine) Issuer() string {
	return e.issuer
}

// GenerateSecret returns a new base32 secret without padding.
func (e *Engine) GenerateSecret() (string, error) {
	buf := make([]byte, SecretSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}
	return secretEncoding.EncodeToString(buf), nil
}

func decodeSecret(secret string) ([]byte, error) {
	s := strings.ToUpper(strings.TrimRight(strings.TrimSpace(secret), "="))
	b, err := secretEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode totp secret: %w", err)
	}
	return b, nil
}

// ProvisioningURI returns the otpauth:// URI for secret. The same inputs
// always produce the same URI.
func (e *Engine) ProvisioningURI(label, secret string) (string, error) {
	raw, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	if label == "" {
		label = defaultLabel
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: label,
		Period:      uint(Period / time.Second),
		Secret:      raw,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("build provisioning uri: %w", err)
	}
	return key.URL(), nil
}

// QRCodeDataURI renders uri as a PNG QR code embedded in a data URI.
func (e *Engine) QRCodeDataURI(uri string) (string, error) {
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return "", fmt.Errorf("parse provisioning uri: %w", err)
	}
	img, err := key.Image(QRCodeSize, QRCodeSize)
	if err != nil {
		return "", fmt.Errorf("render qr code: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// GenerateCode returns the code for secret at t.
func (e *Engine) GenerateCode(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, totp.ValidateOpts{
		Period:    uint(Period / time.Second),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

// VerifyCode accepts the code for the current step or either neighbour.
// An empty secret or a malformed code never verifies.
func (e *Engine) VerifyCode(secret, code string) bool {
	if secret == "" {
		return false
	}
	code = strings.TrimSpace(code)
	if !isDigits(code, otp.DigitsSix.Length()) {
		return false
	}

	now := e.now()
	for _, offset := range Offsets {
		expected, err := e.GenerateCode(secret, now.Add(time.Duration(offset)*Period))
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// GenerateBackupCodes returns the configured number of fresh backup codes.
func (e *Engine) GenerateBackupCodes() ([]string, error) {
	return GenerateBackupCodes(e.backupCodeCount, e.backupCodeLength)
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
