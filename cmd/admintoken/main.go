// Command admintoken mints a short-lived bearer token for the /admin routes,
// signed with the configured admin_jwt_secret.
//
//	admintoken -sub alice -role operator -ttl 30m
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/vidcredit/internal/auth"
	"github.com/onnwee/vidcredit/internal/config"
)

// maxTTL caps minted tokens. Longer sessions should mint again.
const maxTTL = 12 * time.Hour

var (
	errNoSecret   = errors.New("admin_jwt_secret is not configured")
	errBadRole    = errors.New("role must be operator or admin")
	errTTLTooLong = errors.New("ttl exceeds 12h")
)

type options struct {
	subject string
	role    string
	ttl     time.Duration
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	var opts options
	flag.StringVar(&opts.subject, "sub", "", "operator identity recorded in the audit log")
	flag.StringVar(&opts.role, "role", auth.RoleOperator, "operator or admin")
	flag.DurationVar(&opts.ttl, "ttl", auth.DefaultTokenExpiry, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		}
		os.Exit(1)
	}
	if err := mint(os.Stdout, cfg.AdminJWTSecret, opts); err != nil {
		fmt.Fprintln(os.Stderr, "admintoken:", err)
		os.Exit(1)
	}
}

func mint(out io.Writer, secret string, opts options) error {
	if secret == "" {
		return errNoSecret
	}
	if opts.role != auth.RoleOperator && opts.role != auth.RoleAdmin {
		return errBadRole
	}
	if opts.ttl > maxTTL {
		return errTTLTooLong
	}
	// Only the current secret signs; the previous one is for validation during rotation.
	token, err := auth.NewJWTService(secret, "").GenerateToken(opts.subject, opts.role, opts.ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
