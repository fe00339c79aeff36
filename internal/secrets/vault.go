package secrets

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
	auth "github.com/hashicorp/vault/api/auth/kubernetes"

	"github.com/sandgate/sandgate/internal/config"
)

// VaultResolver reads per-owner secrets from HashiCorp Vault. Secrets live
// under <path_prefix>/<owner> in the configured KV mount; every string field
// of that secret becomes one sandbox environment variable.
type VaultResolver struct {
	cfg    config.VaultConfig
	mu     sync.Mutex
	client *vault.Client
}

func NewVaultResolver(cfg config.VaultConfig) (*VaultResolver, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault: address is required")
	}
	if cfg.AuthMethod == "" {
		cfg.AuthMethod = "token"
	}
	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}
	return &VaultResolver{cfg: cfg}, nil
}

func (r *VaultResolver) Name() string {
	return "vault:" + r.cfg.Address
}

// Resolve reads the owner's secret fresh on every call. Resumed sandboxes
// must see current tokens, so nothing is cached.
func (r *VaultResolver) Resolve(ctx context.Context, owner string) (map[string]string, error) {
	client, err := r.clientFor(ctx)
	if err != nil {
		return nil, err
	}

	secretPath := path.Join(r.cfg.PathPrefix, owner)
	secret, err := client.KVv2(r.cfg.Mount).Get(ctx, secretPath)
	if err != nil {
		// Try KV v1 as fallback.
		secret, err = r.readKVv1(ctx, client, secretPath)
		if err != nil {
			return nil, fmt.Errorf("%w: read %q: %v", ErrUnavailable, secretPath, err)
		}
	}
	if secret == nil || secret.Data == nil {
		return map[string]string{}, nil
	}

	out := map[string]string{}
	for field, value := range secret.Data {
		s, ok := value.(string)
		if !ok {
			continue
		}
		out[field] = s
	}
	return out, nil
}

func (r *VaultResolver) readKVv1(ctx context.Context, client *vault.Client, secretPath string) (*vault.KVSecret, error) {
	secret, err := client.Logical().ReadWithContext(ctx, path.Join(r.cfg.Mount, secretPath))
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, nil
	}
	return &vault.KVSecret{Data: secret.Data}, nil
}

// clientFor initializes and authenticates the Vault client once; later calls
// reuse it.
func (r *VaultResolver) clientFor(ctx context.Context) (*vault.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	vcfg := vault.DefaultConfig()
	vcfg.Address = r.cfg.Address

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: create client: %v", ErrAuthFailed, err)
	}

	switch r.cfg.AuthMethod {
	case "token":
		if err := r.authToken(client); err != nil {
			return nil, err
		}
	case "kubernetes":
		if err := r.authKubernetes(ctx, client); err != nil {
			return nil, err
		}
	case "approle":
		if err := r.authAppRole(ctx, client); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unsupported auth method %q", ErrAuthFailed, r.cfg.AuthMethod)
	}

	r.client = client
	return client, nil
}

// authToken authenticates using a token file or the VAULT_TOKEN env var.
func (r *VaultResolver) authToken(client *vault.Client) error {
	var token string
	if r.cfg.TokenFile != "" {
		data, err := os.ReadFile(r.cfg.TokenFile)
		if err != nil {
			return fmt.Errorf("%w: read token file: %v", ErrAuthFailed, err)
		}
		token = strings.TrimSpace(string(data))
	} else {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("%w: no token provided", ErrAuthFailed)
	}
	client.SetToken(token)
	return nil
}

// authKubernetes authenticates using the pod's service account.
func (r *VaultResolver) authKubernetes(ctx context.Context, client *vault.Client) error {
	if r.cfg.K8sRole == "" {
		return fmt.Errorf("%w: k8s_role is required for kubernetes auth", ErrAuthFailed)
	}
	k8sAuth, err := auth.NewKubernetesAuth(r.cfg.K8sRole)
	if err != nil {
		return fmt.Errorf("%w: create kubernetes auth: %v", ErrAuthFailed, err)
	}
	authInfo, err := client.Auth().Login(ctx, k8sAuth)
	if err != nil {
		return fmt.Errorf("%w: kubernetes login failed: %v", ErrAuthFailed, err)
	}
	if authInfo == nil {
		return fmt.Errorf("%w: kubernetes login returned no auth info", ErrAuthFailed)
	}
	return nil
}

func (r *VaultResolver) authAppRole(ctx context.Context, client *vault.Client) error {
	if r.cfg.AppRoleID == "" {
		return fmt.Errorf("%w: approle_id is required for approle auth", ErrAuthFailed)
	}
	secretID := r.cfg.SecretID
	if secretID == "" {
		secretID = os.Getenv("VAULT_SECRET_ID")
	}

	data := map[string]interface{}{"role_id": r.cfg.AppRoleID}
	if secretID != "" {
		data["secret_id"] = secretID
	}
	resp, err := client.Logical().WriteWithContext(ctx, "auth/approle/login", data)
	if err != nil {
		return fmt.Errorf("%w: approle login failed: %v", ErrAuthFailed, err)
	}
	if resp == nil || resp.Auth == nil {
		return fmt.Errorf("%w: approle login returned no auth info", ErrAuthFailed)
	}
	client.SetToken(resp.Auth.ClientToken)
	return nil
}

// Close drops the authenticated client.
func (r *VaultResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		r.client.ClearToken()
	}
	r.client = nil
	return nil
}
