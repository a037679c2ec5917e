package signature

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // some providers still sign with sha1
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskrelay.app/relay/internal/model"
)

// ErrInvalid is returned for every failed verification. The wrapped errors
// below say why without revealing the expected signature.
var ErrInvalid = errors.New("invalid webhook signature")

var (
	ErrMissingSecret    = fmt.Errorf("%w: secret is empty", ErrInvalid)
	ErrMissingSignature = fmt.Errorf("%w: signature header missing", ErrInvalid)
	ErrMalformed        = fmt.Errorf("%w: signature is malformed", ErrInvalid)
	ErrMismatch         = fmt.Errorf("%w: signature mismatch", ErrInvalid)
	ErrStaleTimestamp   = fmt.Errorf("%w: timestamp outside tolerance", ErrInvalid)
	ErrUnknownScheme    = fmt.Errorf("%w: unknown scheme", ErrInvalid)
)

// DefaultTolerance bounds the age of a timestamped signature.
const DefaultTolerance = 5 * time.Minute

var defaults = map[model.Provider]model.SignatureConfig{
	model.ProviderGitHub: {Scheme: model.SchemeHub, Header: "X-Hub-Signature-256", Prefix: "sha256=", Algorithm: "sha256"},
	model.ProviderJira:   {Scheme: model.SchemeHub, Header: "X-Hub-Signature", Prefix: "sha256=", Algorithm: "sha256"},
	model.ProviderGitLab: {Scheme: model.SchemeToken, Header: "X-Gitlab-Token"},
	model.ProviderSentry: {Scheme: model.SchemePlain, Header: "Sentry-Hook-Signature", Algorithm: "sha256"},
	model.ProviderSlack: {
		Scheme:          model.SchemeTimestamped,
		Header:          "X-Slack-Signature",
		TimestampHeader: "X-Slack-Request-Timestamp",
		Prefix:          "v0=",
		Algorithm:       "sha256",
	},
}

// ConfigFor returns the provider's default scheme with any non-empty field
// of override applied on top.
func ConfigFor(provider model.Provider, override model.SignatureConfig) model.SignatureConfig {
	cfg := defaults[provider]
	if override.Scheme != "" {
		cfg.Scheme = override.Scheme
	}
	if override.Header != "" {
		cfg.Header = override.Header
	}
	if override.TimestampHeader != "" {
		cfg.TimestampHeader = override.TimestampHeader
	}
	if override.Prefix != "" {
		cfg.Prefix = override.Prefix
	}
	if override.Algorithm != "" {
		cfg.Algorithm = override.Algorithm
	}
	return cfg
}

// Verifier checks inbound requests. It holds no per-request state.
type Verifier struct {
	Tolerance time.Duration
	Now       func() time.Time
}

func NewVerifier() *Verifier {
	return &Verifier{Tolerance: DefaultTolerance, Now: time.Now}
}

// Verify authenticates rawBody against the signature carried in headers.
// It fails closed: a missing secret, header or timestamp is an error.
func (v *Verifier) Verify(rawBody []byte, headers http.Header, secret string, cfg model.SignatureConfig) error {
	if secret == "" {
		return ErrMissingSecret
	}
	if cfg.Header == "" {
		return fmt.Errorf("%w: no signature header configured", ErrUnknownScheme)
	}
	sig := strings.TrimSpace(headers.Get(cfg.Header))
	if sig == "" {
		return ErrMissingSignature
	}

	switch cfg.Scheme {
	case model.SchemeHub, model.SchemePlain:
		return verifyHMAC(cfg, []byte(secret), rawBody, sig)
	case model.SchemeTimestamped:
		return v.verifyTimestamped(cfg, []byte(secret), rawBody, sig, headers)
	case model.SchemeToken:
		if subtle.ConstantTimeCompare([]byte(sig), []byte(secret)) != 1 {
			return ErrMismatch
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownScheme, cfg.Scheme)
}

func (v *Verifier) verifyTimestamped(cfg model.SignatureConfig, secret, body []byte, sig string, headers http.Header) error {
	tsHeader := cfg.TimestampHeader
	if tsHeader == "" {
		return fmt.Errorf("%w: no timestamp header configured", ErrUnknownScheme)
	}
	ts := strings.TrimSpace(headers.Get(tsHeader))
	if ts == "" {
		return fmt.Errorf("%w: timestamp header missing", ErrMissingSignature)
	}
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrMalformed)
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	age := now().Sub(time.Unix(secs, 0))
	if age > tolerance || age < -tolerance {
		return ErrStaleTimestamp
	}

	// Base string is "<version>:<timestamp>:<body>", version taken from the prefix ("v0=").
	version := strings.TrimSuffix(cfg.Prefix, "=")
	base := make([]byte, 0, len(version)+len(ts)+len(body)+2)
	base = append(base, version...)
	base = append(base, ':')
	base = append(base, ts...)
	base = append(base, ':')
	base = append(base, body...)
	return verifyHMAC(cfg, secret, base, sig)
}

func verifyHMAC(cfg model.SignatureConfig, secret, payload []byte, sig string) error {
	if cfg.Prefix != "" {
		if !strings.HasPrefix(sig, cfg.Prefix) {
			return ErrMalformed
		}
		sig = strings.TrimPrefix(sig, cfg.Prefix)
	}

	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrMalformed
	}

	newHash, err := hashFor(cfg.Algorithm)
	if err != nil {
		return err
	}
	mac := hmac.New(newHash, secret)
	mac.Write(payload)

	if subtle.ConstantTimeCompare(mac.Sum(nil), got) != 1 {
		return ErrMismatch
	}
	return nil
}

func hashFor(algorithm string) (func() hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "", "sha256":
		return sha256.New, nil
	case "sha1":
		return sha1.New, nil
	case "sha512":
		return sha512.New, nil
	}
	return nil, fmt.Errorf("%w: algorithm %q", ErrUnknownScheme, algorithm)
}

// Sign computes the header value cfg expects for body. ts is only used by
// the timestamped scheme. Tests and outbound forwarders use it.
func Sign(cfg model.SignatureConfig, secret string, body []byte, ts string) (string, error) {
	if cfg.Scheme == model.SchemeToken {
		return secret, nil
	}
	payload := body
	if cfg.Scheme == model.SchemeTimestamped {
		version := strings.TrimSuffix(cfg.Prefix, "=")
		payload = []byte(version + ":" + ts + ":" + string(body))
	}
	newHash, err := hashFor(cfg.Algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	return cfg.Prefix + hex.EncodeToString(mac.Sum(nil)), nil
}
