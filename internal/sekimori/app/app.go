// Package app assembles the gateway from its components and manages their
// lifecycle: construction order, background maintenance, signal handling and
// graceful shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bdobrica/Sekimori/internal/sekimori/audit"
	"github.com/bdobrica/Sekimori/internal/sekimori/config"
	"github.com/bdobrica/Sekimori/internal/sekimori/control"
	"github.com/bdobrica/Sekimori/internal/sekimori/creds"
	"github.com/bdobrica/Sekimori/internal/sekimori/gitexec"
	"github.com/bdobrica/Sekimori/internal/sekimori/github"
	"github.com/bdobrica/Sekimori/internal/sekimori/icap"
	"github.com/bdobrica/Sekimori/internal/sekimori/logaccess"
	"github.com/bdobrica/Sekimori/internal/sekimori/policy"
	"github.com/bdobrica/Sekimori/internal/sekimori/ratelimit"
	"github.com/bdobrica/Sekimori/internal/sekimori/runtime/docker"
	"github.com/bdobrica/Sekimori/internal/sekimori/session"
)

// pruneInterval is how often expired sessions are evicted in the background.
const pruneInterval = 15 * time.Minute

// App is the assembled gateway.
type App struct {
	cfg *config.Config

	sessions *session.Manager
	limiter  *ratelimit.Limiter
	store    *creds.Store
	index    *logaccess.Index
	auditor  *audit.FileLogger
	verifier *docker.Verifier

	controlServer *control.Server
	icapServer    *icap.Server
}

// New builds every component. Any failure here is fatal: a gateway that
// cannot load its credential file or session table must not start.
func New(cfg *config.Config) (*App, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("app: create state dir: %w", err)
	}

	auditor, err := audit.NewFileLogger(filepath.Join(cfg.StateDir, "audit.log"))
	if err != nil {
		return nil, err
	}

	sessions, err := session.NewManager(filepath.Join(cfg.StateDir, "sessions.json"), cfg.SessionTTL())
	if err != nil {
		return nil, err
	}

	kind, err := creds.ParseKind(cfg.CredentialKind)
	if err != nil {
		return nil, err
	}
	store, err := creds.NewStore(cfg.CredentialsFile, kind)
	if err != nil {
		return nil, err
	}

	index, err := logaccess.LoadIndex(filepath.Join(cfg.StateDir, "log-index.json"))
	if err != nil {
		return nil, err
	}

	limits := ratelimit.Limits{}
	for class, n := range cfg.RateLimit {
		limits[ratelimit.Class(class)] = n
	}
	limiter := ratelimit.New(limits, ratelimit.DefaultWindow)

	host := github.New(github.Config{
		BaseURL: cfg.GitHubAPIURL,
		Token:   cfg.GitHubToken,
	})
	engine := policy.New(policy.Config{
		AgentLogins:         cfg.AgentLogins,
		AgentBranchPrefixes: cfg.AgentBranchPrefixes,
		TrustedUsers:        cfg.TrustedBranchOwners,
		IncognitoUser:       cfg.IncognitoUser,
	}, host)

	var verifier *docker.Verifier
	if cfg.VerifyContainers {
		verifier, err = docker.New(cfg.DockerNetwork)
		if err != nil {
			return nil, err
		}
	}

	a := &App{
		cfg:      cfg,
		sessions: sessions,
		limiter:  limiter,
		store:    store,
		index:    index,
		auditor:  auditor,
		verifier: verifier,
	}

	controlCfg := control.Config{
		Addr:           cfg.ListenControl,
		LauncherSecret: cfg.LauncherSecret,
		Sessions:       sessions,
		Limiter:        limiter,
		Policy:         engine,
		Runner:         gitexec.NewRunner(time.Duration(cfg.SubprocessTimeout)),
		Index:          index,
		Reader:         &logaccess.Reader{},
		Audit:          auditor,
	}
	if verifier != nil {
		controlCfg.Verifier = verifier
	}
	a.controlServer = control.New(controlCfg)
	a.icapServer = icap.New(cfg.ListenAdaptation, cfg.UpstreamHost, store)

	return a, nil
}

// Run starts both servers and blocks until SIGINT/SIGTERM or ctx cancel,
// then shuts everything down, persisting state on the way out.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.controlServer.Start(ctx); err != nil {
		return err
	}
	if err := a.icapServer.Start(ctx); err != nil {
		a.controlServer.Stop()
		return err
	}

	go a.pruneLoop(ctx)

	slog.Info("gateway running",
		"control_addr", a.controlServer.Addr(),
		"adaptation_addr", a.icapServer.Addr(),
		"upstream_host", a.cfg.UpstreamHost)

	<-ctx.Done()
	slog.Info("shutting down")

	a.icapServer.Stop()
	a.controlServer.Stop()
	a.sessions.Save()
	if a.verifier != nil {
		a.verifier.Close()
	}
	if err := a.auditor.Close(); err != nil {
		slog.Warn("audit close", "err", err)
	}
	return nil
}

// pruneLoop evicts expired sessions on a fixed interval and re-reads the log
// index so entries written by the indexing collaborator become visible.
func (a *App) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sessions.PruneExpired()
			if err := a.index.Reload(); err != nil {
				slog.Warn("log index reload failed", "err", err)
			}
		}
	}
}
