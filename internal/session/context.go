package session

import (
	"context"
	"fmt"

	"github.com/sandgate/sandgate/pkg/types"
)

// sessionContext is everything a fresh sandbox needs beyond the snapshot:
// resolved template settings, current secrets, repo coordinates. It is
// rebuilt from storage on every provisioning pass so revived sandboxes
// never run with stale tokens.
type sessionContext struct {
	env          map[string]string
	files        map[string]string
	services     [][]string
	systemPrompt string
	model        string
}

func (h *Hub) loadContext(ctx context.Context, row *types.Session) (*sessionContext, error) {
	sc := &sessionContext{env: map[string]string{}}

	if row.PrebuildID != "" && h.deps.Prebuilds != nil {
		tpl, err := h.deps.Prebuilds.Resolve(row.PrebuildID)
		if err != nil {
			return nil, fmt.Errorf("resolve prebuild %q: %w", row.PrebuildID, err)
		}
		for k, v := range tpl.Env {
			sc.env[k] = v
		}
		sc.files = tpl.Files
		sc.services = tpl.ServiceCommands
		sc.systemPrompt = tpl.SystemPrompt
		sc.model = tpl.Model
	}

	if h.deps.Secrets != nil {
		vals, err := h.deps.Secrets.Resolve(ctx, row.Owner)
		if err != nil {
			return nil, fmt.Errorf("resolve secrets: %w", err)
		}
		for k, v := range vals {
			sc.env[k] = v
		}
	}

	if row.RepoURL != "" {
		sc.env["SANDGATE_REPO_URL"] = row.RepoURL
		if row.Branch != "" {
			sc.env["SANDGATE_BRANCH"] = row.Branch
		}
	}
	return sc, nil
}
