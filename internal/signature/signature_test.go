package signature

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("whsec_test_secret")

func TestVerify_ValidSignature(t *testing.T) {
	body := []byte(`{"event_id":"evt_1","status":"approved"}`)
	now := time.Unix(1_700_000_000, 0)
	header := Sign(body, testSecret, now)

	ts, err := Verify(body, header, testSecret, now, DefaultTolerance)
	if err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if !ts.Equal(now) {
		t.Errorf("expected timestamp %v, got %v", now, ts)
	}
}

func TestVerify_Rejections(t *testing.T) {
	body := []byte(`{"event_id":"evt_1"}`)
	now := time.Unix(1_700_000_000, 0)
	valid := Sign(body, testSecret, now)

	tests := []struct {
		name    string
		body    []byte
		header  string
		secret  []byte
		now     time.Time
		wantErr error
	}{
		{
			name:    "empty header",
			body:    body,
			header:  "",
			secret:  testSecret,
			now:     now,
			wantErr: ErrMalformedHeader,
		},
		{
			name:    "missing timestamp",
			body:    body,
			header:  "v1=" + strings.Repeat("ab", 32),
			secret:  testSecret,
			now:     now,
			wantErr: ErrMalformedHeader,
		},
		{
			name:    "missing digest",
			body:    body,
			header:  "ts=1700000000",
			secret:  testSecret,
			now:     now,
			wantErr: ErrMalformedHeader,
		},
		{
			name:    "non numeric timestamp",
			body:    body,
			header:  "ts=yesterday,v1=" + strings.Repeat("ab", 32),
			secret:  testSecret,
			now:     now,
			wantErr: ErrMalformedHeader,
		},
		{
			name:    "digest not hex",
			body:    body,
			header:  "ts=1700000000,v1=zz",
			secret:  testSecret,
			now:     now,
			wantErr: ErrMalformedHeader,
		},
		{
			name:    "segment without equals",
			body:    body,
			header:  "ts=1700000000,garbage",
			secret:  testSecret,
			now:     now,
			wantErr: ErrMalformedHeader,
		},
		{
			name:    "tampered body",
			body:    []byte(`{"event_id":"evt_2"}`),
			header:  valid,
			secret:  testSecret,
			now:     now,
			wantErr: ErrSignatureMismatch,
		},
		{
			name:    "wrong secret",
			body:    body,
			header:  valid,
			secret:  []byte("other"),
			now:     now,
			wantErr: ErrSignatureMismatch,
		},
		{
			name:    "too old",
			body:    body,
			header:  valid,
			secret:  testSecret,
			now:     now.Add(DefaultTolerance + time.Second),
			wantErr: ErrTimestampOutOfTolerance,
		},
		{
			name:    "too far in the future",
			body:    body,
			header:  valid,
			secret:  testSecret,
			now:     now.Add(-DefaultTolerance - time.Second),
			wantErr: ErrTimestampOutOfTolerance,
		},
		{
			name:    "no secret",
			body:    body,
			header:  valid,
			secret:  nil,
			now:     now,
			wantErr: ErrSecretNotConfigured,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(tt.body, tt.header, tt.secret, tt.now, DefaultTolerance)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestVerify_ToleranceBoundaryAccepted(t *testing.T) {
	body := []byte(`{}`)
	signedAt := time.Unix(1_700_000_000, 0)
	header := Sign(body, testSecret, signedAt)

	for _, now := range []time.Time{signedAt.Add(DefaultTolerance), signedAt.Add(-DefaultTolerance)} {
		if _, err := Verify(body, header, testSecret, now, DefaultTolerance); err != nil {
			t.Errorf("expected skew of exactly the tolerance to pass at %v, got %v", now, err)
		}
	}
}

func TestVerify_RotatedSecretAnyDigestMatches(t *testing.T) {
	body := []byte(`{"id":"task_1"}`)
	now := time.Unix(1_700_000_000, 0)
	oldHeader := Sign(body, []byte("old-secret"), now)
	newHeader := Sign(body, testSecret, now)

	_, newDigest, _ := strings.Cut(newHeader, ",")
	header := oldHeader + "," + newDigest

	if _, err := Verify(body, header, testSecret, now, DefaultTolerance); err != nil {
		t.Fatalf("expected rotated header to verify, got %v", err)
	}
}

func TestVerify_SingleBitFlipRejected(t *testing.T) {
	body := []byte(`{"event_id":"evt_bits","status":"approved"}`)
	now := time.Unix(1_700_000_000, 0)
	header := Sign(body, testSecret, now)

	for i := range body {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte(nil), body...)
			mutated[i] ^= 1 << bit
			if _, err := Verify(mutated, header, testSecret, now, DefaultTolerance); !errors.Is(err, ErrSignatureMismatch) {
				t.Fatalf("byte %d bit %d: expected mismatch, got %v", i, bit, err)
			}
		}
	}
}

func TestVerify_TimestampIsPartOfSignature(t *testing.T) {
	body := []byte(`{}`)
	now := time.Unix(1_700_000_000, 0)
	header := Sign(body, testSecret, now)

	_, digest, _ := strings.Cut(header, ",")
	replayed := "ts=" + strconv.FormatInt(now.Unix()+1, 10) + "," + digest

	if _, err := Verify(body, replayed, testSecret, now, DefaultTolerance); !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("expected mismatch when timestamp is altered, got %v", err)
	}
}

func TestVerifier_MissingSecret(t *testing.T) {
	body := []byte(`{}`)

	t.Run("development passes through", func(t *testing.T) {
		v := &Verifier{}
		res, err := v.Verify(body, "")
		if err != nil {
			t.Fatalf("expected pass through, got %v", err)
		}
		if !res.Skipped {
			t.Error("expected Skipped to be set")
		}
	})

	t.Run("production fails closed", func(t *testing.T) {
		v := &Verifier{Production: true}
		if _, err := v.Verify(body, Sign(body, testSecret, time.Now())); !errors.Is(err, ErrSecretNotConfigured) {
			t.Errorf("expected ErrSecretNotConfigured, got %v", err)
		}
	})
}

func TestVerifier_UsesInjectedClock(t *testing.T) {
	body := []byte(`{"ok":true}`)
	signedAt := time.Unix(1_600_000_000, 0)
	v := &Verifier{
		Secret:    testSecret,
		Tolerance: time.Minute,
		Now:       func() time.Time { return signedAt.Add(30 * time.Second) },
	}

	res, err := v.Verify(body, Sign(body, testSecret, signedAt))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Skipped || !res.Timestamp.Equal(signedAt) {
		t.Errorf("unexpected result %+v", res)
	}

	v.Now = func() time.Time { return signedAt.Add(2 * time.Minute) }
	if _, err := v.Verify(body, Sign(body, testSecret, signedAt)); !errors.Is(err, ErrTimestampOutOfTolerance) {
		t.Errorf("expected out of tolerance, got %v", err)
	}
}
