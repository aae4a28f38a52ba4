// Package opprovider resolves credential template references through the
// 1Password CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/audionix/credentials"
)

// Option configures the 1Password provider.
type Option func(*config)

type config struct {
	binary  string
	account string
}

// WithBinary sets the path of the op executable.
func WithBinary(path string) Option {
	return func(c *config) {
		c.binary = path
	}
}

// WithAccount selects the 1Password account for every read.
func WithAccount(account string) Option {
	return func(c *config) {
		c.account = account
	}
}

// WithOnePassword registers an "op" template function that resolves
// op://vault/item/field references with `op read`, e.g.
//
//	dropbox:
//	  app_secret: {{ op "op://audionix/dropbox/app_secret" | json }}
func WithOnePassword(opts ...Option) credentials.ResolverOption {
	cfg := config{binary: "op"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return credentials.WithProvider("op", cfg.read)
}

func (c config) read(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "op://") {
		return "", fmt.Errorf("op reference %q must start with op://", ref)
	}

	args := []string{"read", "--no-newline"}
	if c.account != "" {
		args = append(args, "--account", c.account)
	}
	args = append(args, ref)

	cmd := exec.CommandContext(ctx, c.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
