// Package docker runs sandboxes as containers on a Docker daemon. Snapshots
// are image commits tagged into a configured repository, native pause maps
// to the daemon's pause/unpause, and tunnels are published host ports.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sandgate/sandgate/internal/config"
	"github.com/sandgate/sandgate/internal/prebuild"
	"github.com/sandgate/sandgate/internal/sandbox"
	"github.com/sandgate/sandgate/pkg/types"
)

const (
	labelManaged = "sandgate.managed"
	labelSession = "sandgate.session"

	healthPath    = "/health"
	maxExecOutput = 1 << 20
)

type Provider struct {
	cli    *client.Client
	cfg    config.DockerConfig
	reg    *prebuild.Registry
	logger *slog.Logger

	agentPort   nat.Port
	previewPort nat.Port
	lifetime    time.Duration

	tunnelWait     time.Duration
	execTimeout    time.Duration
	healthInterval time.Duration

	httpc *http.Client
}

func New(cfg config.DockerConfig, agentCfg config.AgentConfig, reg *prebuild.Registry, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	agentPort, err := nat.NewPort("tcp", strconv.Itoa(cfg.AgentPort))
	if err != nil {
		return nil, fmt.Errorf("agent port: %w", err)
	}
	previewPort, err := nat.NewPort("tcp", strconv.Itoa(cfg.PreviewPort))
	if err != nil {
		return nil, fmt.Errorf("preview port: %w", err)
	}

	return &Provider{
		cli:            cli,
		cfg:            cfg,
		reg:            reg,
		logger:         logger,
		agentPort:      agentPort,
		previewPort:    previewPort,
		lifetime:       config.Duration(cfg.Lifetime, time.Hour),
		tunnelWait:     config.Duration(agentCfg.TunnelWait, 30*time.Second),
		execTimeout:    config.Duration(agentCfg.ExecTimeout, 30*time.Second),
		healthInterval: config.Duration(agentCfg.HealthInterval, time.Second),
		httpc:          &http.Client{Timeout: 5 * time.Second},
	}, nil
}

func (p *Provider) Name() string { return "docker" }

func (p *Provider) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{Pause: p.cfg.PauseCapable, AutoPause: p.cfg.AutoPause}
}

func (p *Provider) Close() error { return p.cli.Close() }

func (p *Provider) EnsureSandbox(ctx context.Context, opts sandbox.EnsureOpts) (*sandbox.Sandbox, error) {
	if opts.CurrentSandboxID != "" {
		sb, err := p.recover(ctx, opts.SessionID, opts.CurrentSandboxID)
		if err != nil {
			return nil, err
		}
		if sb != nil {
			sb.Recovered = true
			return sb, nil
		}
		p.logger.Info("recorded sandbox gone, creating fresh",
			"session_id", opts.SessionID, "sandbox_id", opts.CurrentSandboxID)
	}

	create := opts.Create
	create.SessionID = opts.SessionID
	if create.SnapshotID == "" {
		create.SnapshotID = opts.SnapshotID
	}
	return p.CreateSandbox(ctx, create)
}

// recover returns the existing sandbox if it is still usable, nil when the
// caller should create fresh, and an error only on transport failures.
func (p *Provider) recover(ctx context.Context, sessionID, id string) (*sandbox.Sandbox, error) {
	info, err := p.cli.ContainerInspect(ctx, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, p.wrap("inspect", id, err, true)
	}
	st := info.State
	if st == nil {
		return nil, nil
	}
	switch {
	case st.Paused:
		if err := p.cli.ContainerUnpause(ctx, id); err != nil {
			return nil, p.wrap("unpause", id, err, true)
		}
	case st.Running:
	default:
		return nil, nil
	}

	sb, err := p.waitReady(ctx, id)
	if err != nil {
		p.logger.Warn("existing sandbox unhealthy, abandoning",
			"session_id", sessionID, "sandbox_id", id, "error", err)
		_ = p.Terminate(ctx, sessionID, id)
		return nil, nil
	}
	if created, perr := time.Parse(time.RFC3339Nano, info.Created); perr == nil {
		sb.ExpiresAt = created.Add(p.lifetime)
	} else {
		sb.ExpiresAt = time.Now().Add(p.lifetime)
	}
	return sb, nil
}

func (p *Provider) CreateSandbox(ctx context.Context, opts sandbox.CreateOpts) (*sandbox.Sandbox, error) {
	img, tmpl := p.resolveImage(opts)
	env := mergedEnv(tmpl, opts.Env)
	files := mergedFiles(tmpl, opts.Files)
	services := mergedServices(tmpl, opts.ServiceCommands)

	id, err := p.createContainer(ctx, img, containerName(opts.SessionID), opts.SessionID, env)
	if err != nil {
		return nil, err
	}

	if err := p.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		p.removeQuiet(id)
		return nil, p.wrap("start", id, err, true)
	}

	// Essential setup blocks the create; a sandbox without its config and
	// tool definitions is not usable.
	if len(files) > 0 {
		if err := p.copyFiles(ctx, id, files); err != nil {
			p.removeQuiet(id)
			return nil, p.wrap("inject files", id, err, true)
		}
	}

	sb, err := p.waitReady(ctx, id)
	if err != nil {
		p.removeQuiet(id)
		return nil, err
	}
	sb.ExpiresAt = time.Now().Add(p.lifetime)

	// Additional setup never gates readiness; failures are logged only.
	if len(services) > 0 {
		go p.startServices(context.WithoutCancel(ctx), opts.SessionID, id, services)
	}

	p.logger.Info("sandbox created",
		"session_id", opts.SessionID, "sandbox_id", id, "image", img,
		"expires_at", sb.ExpiresAt.Format(time.RFC3339))
	return sb, nil
}

// resolveImage picks the cheapest fresh layer: session snapshot, then
// prebuild image, then the configured base image. The prebuild template, if
// any, still contributes env, files and service commands when restoring
// from a snapshot.
func (p *Provider) resolveImage(opts sandbox.CreateOpts) (string, *prebuild.Template) {
	tmpl := p.template(opts.PrebuildID)
	if opts.SnapshotID != "" {
		return opts.SnapshotID, tmpl
	}
	if tmpl != nil && tmpl.Image != "" {
		return tmpl.Image, tmpl
	}
	return p.cfg.Image, tmpl
}

func (p *Provider) template(prebuildID string) *prebuild.Template {
	if prebuildID == "" || p.reg == nil {
		return nil
	}
	t, err := p.reg.Resolve(prebuildID)
	if err != nil {
		p.logger.Warn("prebuild unresolved, falling back to base image",
			"prebuild_id", prebuildID, "error", err)
		return nil
	}
	return t
}

func (p *Provider) createContainer(ctx context.Context, img, name, sessionID string, env map[string]string) (string, error) {
	ccfg := &container.Config{
		Image:        img,
		Env:          envSlice(env),
		ExposedPorts: nat.PortSet{p.agentPort: {}, p.previewPort: {}},
		Labels:       p.labels(sessionID),
	}
	hcfg := &container.HostConfig{PublishAllPorts: true}
	if p.cfg.Network != "" {
		hcfg.NetworkMode = container.NetworkMode(p.cfg.Network)
	}

	created, err := p.cli.ContainerCreate(ctx, ccfg, hcfg, nil, nil, name)
	if err != nil && cerrdefs.IsNotFound(err) {
		if perr := p.pullImage(ctx, img); perr != nil {
			return "", p.wrap("pull", "", perr, true)
		}
		created, err = p.cli.ContainerCreate(ctx, ccfg, hcfg, nil, nil, name)
	}
	if err != nil {
		return "", p.wrap("create", "", err, true)
	}
	return created.ID, nil
}

func (p *Provider) pullImage(ctx context.Context, img string) error {
	rc, err := p.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// The pull completes only once the response stream is drained.
	_, err = io.Copy(io.Discard, rc)
	return err
}

// waitReady resolves published tunnels within the tunnel-wait budget and
// then polls the agent endpoint until it responds healthy.
func (p *Provider) waitReady(ctx context.Context, id string) (*sandbox.Sandbox, error) {
	tctx, cancel := context.WithTimeout(ctx, p.tunnelWait)
	defer cancel()

	agentURL, previewURL, err := p.resolveTunnels(tctx, id)
	if err != nil {
		return nil, p.wrap("tunnel wait", id, err, true)
	}

	hctx, hcancel := context.WithTimeout(ctx, p.tunnelWait)
	defer hcancel()
	if err := p.waitHealthy(hctx, agentURL); err != nil {
		return nil, p.wrap("agent health", id, err, true)
	}

	return &sandbox.Sandbox{ID: id, AgentURL: agentURL, PreviewURL: previewURL}, nil
}

func (p *Provider) resolveTunnels(ctx context.Context, id string) (agentURL, previewURL string, err error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		info, ierr := p.cli.ContainerInspect(ctx, id)
		if ierr != nil {
			return "", "", ierr
		}
		if info.NetworkSettings != nil {
			ports := info.NetworkSettings.Ports
			if u := bindingURL(ports, p.agentPort); u != "" {
				return u, bindingURL(ports, p.previewPort), nil
			}
		}
		select {
		case <-ctx.Done():
			return "", "", fmt.Errorf("no port binding for %s: %w", p.agentPort, ctx.Err())
		case <-ticker.C:
		}
	}
}

func bindingURL(ports nat.PortMap, port nat.Port) string {
	bindings := ports[port]
	if len(bindings) == 0 {
		return ""
	}
	host := bindings[0].HostIP
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, bindings[0].HostPort)
}

func (p *Provider) waitHealthy(ctx context.Context, agentURL string) error {
	ticker := time.NewTicker(p.healthInterval)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, agentURL+healthPath, nil)
		if err != nil {
			return err
		}
		resp, err := p.httpc.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("agent never became healthy: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// copyFiles lands configuration files in the sandbox via a tar stream,
// including parent directory entries so nested paths extract cleanly.
func (p *Provider) copyFiles(ctx context.Context, id string, files map[string]string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	dirs := map[string]bool{}
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
		for d := filepath.Dir(path); d != "/" && d != "."; d = filepath.Dir(d) {
			dirs[d] = true
		}
	}
	sort.Strings(paths)

	dirList := make([]string, 0, len(dirs))
	for d := range dirs {
		dirList = append(dirList, d)
	}
	sort.Strings(dirList)
	now := time.Now()
	for _, d := range dirList {
		hdr := &tar.Header{
			Name:     strings.TrimPrefix(d, "/") + "/",
			Typeflag: tar.TypeDir,
			Mode:     0o755,
			ModTime:  now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
	}
	for _, path := range paths {
		content := files[path]
		hdr := &tar.Header{
			Name:    strings.TrimPrefix(path, "/"),
			Mode:    0o644,
			Size:    int64(len(content)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}

	return p.cli.CopyToContainer(ctx, id, "/", &buf, container.CopyToContainerOptions{})
}

func (p *Provider) startServices(ctx context.Context, sessionID, id string, cmds [][]string) {
	for _, argv := range cmds {
		if len(argv) == 0 {
			continue
		}
		created, err := p.cli.ContainerExecCreate(ctx, id, container.ExecOptions{Cmd: argv, Detach: true})
		if err != nil {
			p.logger.Warn("service command create failed",
				"session_id", sessionID, "sandbox_id", id, "argv", strings.Join(argv, " "), "error", err)
			continue
		}
		if err := p.cli.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{Detach: true}); err != nil {
			p.logger.Warn("service command start failed",
				"session_id", sessionID, "sandbox_id", id, "argv", strings.Join(argv, " "), "error", err)
		}
	}
}

func (p *Provider) Snapshot(ctx context.Context, sessionID, sandboxID string) (string, error) {
	ref := fmt.Sprintf("%s:%s-%d", p.cfg.SnapshotRepo, strings.TrimPrefix(sessionID, "sess-"), time.Now().UnixMilli())
	resp, err := p.cli.ContainerCommit(ctx, sandboxID, container.CommitOptions{
		Reference: ref,
		Comment:   "sandgate snapshot",
		Pause:     true,
	})
	if err != nil {
		return "", p.wrap("snapshot", sandboxID, err, !cerrdefs.IsNotFound(err))
	}
	p.logger.Info("sandbox snapshot committed",
		"session_id", sessionID, "sandbox_id", sandboxID, "snapshot_id", ref, "image_id", resp.ID)
	return ref, nil
}

func (p *Provider) Pause(ctx context.Context, sessionID, sandboxID string) (string, error) {
	snap, err := p.Snapshot(ctx, sessionID, sandboxID)
	if err != nil {
		return "", err
	}
	if p.cfg.PauseCapable {
		if err := p.cli.ContainerPause(ctx, sandboxID); err != nil && !cerrdefs.IsNotFound(err) {
			p.logger.Warn("native pause failed after snapshot",
				"session_id", sessionID, "sandbox_id", sandboxID, "error", err)
		}
		return snap, nil
	}
	if err := p.Terminate(ctx, sessionID, sandboxID); err != nil {
		p.logger.Warn("terminate after snapshot failed",
			"session_id", sessionID, "sandbox_id", sandboxID, "error", err)
	}
	return snap, nil
}

func (p *Provider) Terminate(ctx context.Context, sessionID, sandboxID string) error {
	if sandboxID == "" {
		return nil
	}
	err := p.cli.ContainerRemove(ctx, sandboxID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return p.wrap("terminate", sandboxID, err, true)
	}
	return nil
}

func (p *Provider) removeQuiet(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Terminate(ctx, "", id); err != nil {
		p.logger.Warn("cleanup of failed sandbox create", "sandbox_id", id, "error", err)
	}
}

func (p *Provider) ExecCommand(ctx context.Context, sandboxID string, argv []string, opts sandbox.ExecOpts) (*types.ExecResult, error) {
	if len(argv) == 0 {
		return nil, p.wrap("exec", sandboxID, errors.New("empty argv"), false)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.execTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	created, err := p.cli.ContainerExecCreate(ctx, sandboxID, container.ExecOptions{
		Cmd:          argv,
		WorkingDir:   opts.WorkingDir,
		Env:          envSlice(opts.Env),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, p.wrap("exec create", sandboxID, err, !cerrdefs.IsNotFound(err))
	}

	attach, err := p.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, p.wrap("exec attach", sandboxID, err, true)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		if ctx.Err() != nil {
			return nil, p.wrap("exec", sandboxID, ctx.Err(), true)
		}
		return nil, p.wrap("exec read", sandboxID, err, true)
	}

	insp, err := p.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, p.wrap("exec inspect", sandboxID, err, true)
	}

	res := &types.ExecResult{
		ExitCode:   insp.ExitCode,
		DurationMs: time.Since(start).Milliseconds(),
	}
	res.Stdout, res.StdoutTruncated = clampOutput(&stdout)
	res.Stderr, res.StderrTruncated = clampOutput(&stderr)
	return res, nil
}

func (p *Provider) CheckSandboxes(ctx context.Context, ids []string) ([]string, error) {
	alive := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range ids {
		g.Go(func() error {
			info, err := p.cli.ContainerInspect(gctx, id)
			if err != nil {
				if cerrdefs.IsNotFound(err) {
					return nil
				}
				return p.wrap("inspect", id, err, true)
			}
			if st := info.State; st != nil && (st.Running || st.Paused) {
				alive[i] = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []string
	for i, ok := range alive {
		if ok {
			out = append(out, ids[i])
		}
	}
	return out, nil
}

func (p *Provider) wrap(op, sandboxID string, err error, retryable bool) error {
	return &sandbox.Error{Op: op, Provider: "docker", SandboxID: sandboxID, Retryable: retryable, Err: err}
}

func (p *Provider) labels(sessionID string) map[string]string {
	labels := map[string]string{labelManaged: "true", labelSession: sessionID}
	for k, v := range p.cfg.Labels {
		labels[k] = v
	}
	return labels
}

func containerName(sessionID string) string {
	suffix := uuid.NewString()[:8]
	return "sandgate-" + strings.TrimPrefix(sessionID, "sess-") + "-" + suffix
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func mergedEnv(tmpl *prebuild.Template, over map[string]string) map[string]string {
	out := map[string]string{}
	if tmpl != nil {
		for k, v := range tmpl.Env {
			out[k] = v
		}
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func mergedFiles(tmpl *prebuild.Template, over map[string]string) map[string]string {
	out := map[string]string{}
	if tmpl != nil {
		for k, v := range tmpl.Files {
			out[k] = v
		}
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func mergedServices(tmpl *prebuild.Template, extra [][]string) [][]string {
	var out [][]string
	if tmpl != nil {
		out = append(out, tmpl.ServiceCommands...)
	}
	return append(out, extra...)
}

func clampOutput(buf *bytes.Buffer) (string, bool) {
	if buf.Len() <= maxExecOutput {
		return buf.String(), false
	}
	return string(buf.Bytes()[:maxExecOutput]), true
}
