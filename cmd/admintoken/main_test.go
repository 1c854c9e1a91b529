package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/vidcredit/internal/auth"
)

func TestMint(t *testing.T) {
	const secret = "admintoken-test-secret"
	var out bytes.Buffer
	if err := mint(&out, secret, options{subject: "ops-7", role: auth.RoleOperator, ttl: time.Minute}); err != nil {
		t.Fatalf("mint: %v", err)
	}

	token := strings.TrimSpace(out.String())
	claims, err := auth.NewJWTService(secret, "").Authorize(token, auth.RoleOperator)
	if err != nil {
		t.Fatalf("minted token rejected: %v", err)
	}
	if claims.Subject != "ops-7" {
		t.Errorf("subject = %q", claims.Subject)
	}

	// Still valid after the secret rotates.
	if _, err := auth.NewJWTService("next-secret", secret).Authorize(token, auth.RoleOperator); err != nil {
		t.Errorf("token rejected under previous secret: %v", err)
	}
}

func TestMint_Errors(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		opts    options
		wantErr error
	}{
		{"no secret", "", options{subject: "ops", role: auth.RoleOperator, ttl: time.Minute}, errNoSecret},
		{"unknown role", "s", options{subject: "ops", role: "viewer", ttl: time.Minute}, errBadRole},
		{"ttl too long", "s", options{subject: "ops", role: auth.RoleAdmin, ttl: 24 * time.Hour}, errTTLTooLong},
		{"empty subject", "s", options{role: auth.RoleOperator, ttl: time.Minute}, auth.ErrEmptySubject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := mint(&out, tt.secret, tt.opts); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if out.Len() != 0 {
				t.Error("no token should be written on error")
			}
		})
	}
}
