// Package secrets resolves the credentials injected into a session's
// sandbox environment. Resolution happens on every provisioning pass so a
// resumed sandbox never starts with stale tokens.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sandgate/sandgate/internal/config"
)

var (
	// ErrAuthFailed indicates the backend rejected our credentials.
	ErrAuthFailed = errors.New("secrets: authentication failed")
	// ErrUnavailable indicates the backend could not be reached.
	ErrUnavailable = errors.New("secrets: backend unavailable")
)

// Resolver produces the environment entries a sandbox receives for a given
// session owner.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, owner string) (map[string]string, error)
}

// New builds the resolver selected by cfg.Backend.
func New(cfg config.SecretsConfig) (Resolver, error) {
	switch cfg.Backend {
	case "", "none":
		return noneResolver{}, nil
	case "env":
		prefix := cfg.EnvPrefix
		if prefix == "" {
			prefix = "SANDGATE_SECRET_"
		}
		return envResolver{prefix: prefix}, nil
	case "static":
		return staticResolver{values: cfg.Static}, nil
	case "vault":
		return NewVaultResolver(cfg.Vault)
	default:
		return nil, fmt.Errorf("secrets: unknown backend %q", cfg.Backend)
	}
}

type noneResolver struct{}

func (noneResolver) Name() string { return "none" }

func (noneResolver) Resolve(context.Context, string) (map[string]string, error) {
	return map[string]string{}, nil
}

// envResolver copies prefixed process environment variables into every
// sandbox, with the prefix stripped. SANDGATE_SECRET_GITHUB_TOKEN becomes
// GITHUB_TOKEN inside the sandbox.
type envResolver struct {
	prefix string
}

func (r envResolver) Name() string { return "env" }

func (r envResolver) Resolve(context.Context, string) (map[string]string, error) {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, r.prefix) {
			continue
		}
		name := strings.TrimPrefix(key, r.prefix)
		if name == "" {
			continue
		}
		out[name] = value
	}
	return out, nil
}

type staticResolver struct {
	values map[string]string
}

func (staticResolver) Name() string { return "static" }

func (r staticResolver) Resolve(context.Context, string) (map[string]string, error) {
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out, nil
}
