// Package signature verifies HMAC-SHA256 signed webhook deliveries.
//
// A signed delivery carries a header of the form:
//
//	ts=<unix seconds>,v1=<hex digest>
//
// where the digest is HMAC-SHA256(secret, "<ts>.<raw body>"). More than one
// v1 entry may be present while a secret is being rotated; the delivery is
// accepted when any of them matches.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HeaderName is the HTTP header carrying the delivery signature.
const HeaderName = "X-Webhook-Signature"

// DefaultTolerance is the maximum allowed clock distance between the
// signature timestamp and the verifier's clock, in either direction.
const DefaultTolerance = 5 * time.Minute

// Verification errors. All of them mean the delivery must be rejected.
var (
	ErrMalformedHeader         = errors.New("malformed signature header")
	ErrSignatureMismatch       = errors.New("signature mismatch")
	ErrTimestampOutOfTolerance = errors.New("signature timestamp outside tolerance")
	ErrSecretNotConfigured     = errors.New("webhook secret not configured")
)

// Verify checks header against rawBody using secret and returns the signed
// timestamp. It does no I/O and holds no state.
//
// The body must be the exact bytes received; re-serialised JSON will not match.
func Verify(rawBody []byte, header string, secret []byte, now time.Time, tolerance time.Duration) (time.Time, error) {
	if len(secret) == 0 {
		return time.Time{}, ErrSecretNotConfigured
	}

	tsRaw, digests, err := parseHeader(header)
	if err != nil {
		return time.Time{}, err
	}

	unix, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", ErrMalformedHeader, tsRaw)
	}
	ts := time.Unix(unix, 0)

	expected := computeMAC(rawBody, secret, tsRaw)
	matched := false
	for _, d := range digests {
		if hmac.Equal(expected, d) {
			matched = true
		}
	}
	if !matched {
		return time.Time{}, ErrSignatureMismatch
	}

	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	skew := now.Sub(ts)
	if skew > tolerance || skew < -tolerance {
		return time.Time{}, fmt.Errorf("%w: skew %s", ErrTimestampOutOfTolerance, skew.Truncate(time.Second))
	}

	return ts, nil
}

// Sign produces a header value for rawBody signed at ts.
func Sign(rawBody []byte, secret []byte, ts time.Time) string {
	tsRaw := strconv.FormatInt(ts.Unix(), 10)
	return "ts=" + tsRaw + ",v1=" + hex.EncodeToString(computeMAC(rawBody, secret, tsRaw))
}

func computeMAC(rawBody []byte, secret []byte, tsRaw string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(tsRaw))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	return mac.Sum(nil)
}

// parseHeader splits "ts=..,v1=..[,v1=..]" into the timestamp and decoded digests.
// Unknown keys are ignored so that future schemes can be added alongside v1.
func parseHeader(header string) (string, [][]byte, error) {
	if strings.TrimSpace(header) == "" {
		return "", nil, fmt.Errorf("%w: empty header", ErrMalformedHeader)
	}

	var tsRaw string
	var digests [][]byte
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return "", nil, fmt.Errorf("%w: segment %q", ErrMalformedHeader, part)
		}
		switch key {
		case "ts":
			if tsRaw != "" {
				return "", nil, fmt.Errorf("%w: duplicate timestamp", ErrMalformedHeader)
			}
			tsRaw = value
		case "v1":
			d, err := hex.DecodeString(value)
			if err != nil || len(d) != sha256.Size {
				return "", nil, fmt.Errorf("%w: invalid v1 digest", ErrMalformedHeader)
			}
			digests = append(digests, d)
		}
	}

	if tsRaw == "" {
		return "", nil, fmt.Errorf("%w: missing timestamp", ErrMalformedHeader)
	}
	if len(digests) == 0 {
		return "", nil, fmt.Errorf("%w: missing v1 digest", ErrMalformedHeader)
	}
	return tsRaw, digests, nil
}

// Verifier binds a secret and policy for one webhook source.
type Verifier struct {
	// Secret is the shared signing secret. Empty means not configured.
	Secret []byte
	// Tolerance bounds timestamp skew. Zero uses DefaultTolerance.
	Tolerance time.Duration
	// Production makes a missing secret fail closed.
	Production bool
	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

// Result describes an accepted delivery.
type Result struct {
	// Timestamp is the signed timestamp; zero when verification was skipped.
	Timestamp time.Time
	// Skipped is true when no secret is configured outside production.
	Skipped bool
}

// Verify applies the verifier policy to a delivery.
// Outside production, a missing secret lets the delivery through with
// Skipped set so that the caller can log a warning.
func (v *Verifier) Verify(rawBody []byte, header string) (Result, error) {
	if len(v.Secret) == 0 {
		if v.Production {
			return Result{}, ErrSecretNotConfigured
		}
		return Result{Skipped: true}, nil
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	ts, err := Verify(rawBody, header, v.Secret, now, v.Tolerance)
	if err != nil {
		return Result{}, err
	}
	return Result{Timestamp: ts}, nil
}
