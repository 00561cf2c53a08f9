// Command sekimori runs the outbound-traffic mediation gateway.
//
// Configuration is read from the YAML file named by -config (or
// SEKIMORI_CONFIG), then overridden by environment variables:
//
//	SEKIMORI_LISTEN_CONTROL        control-plane bind address (default :8460)
//	SEKIMORI_LISTEN_ADAPTATION     ICAP bind address (default :1344)
//	SEKIMORI_SESSION_TTL_HOURS     session lifetime (default 24)
//	SEKIMORI_UPSTREAM_HOST         host that triggers credential injection
//	SEKIMORI_CREDENTIALS_FILE      upstream credential file (required)
//	SEKIMORI_CREDENTIAL_KIND       api-key | oauth-token | auto
//	SEKIMORI_AGENT_LOGINS          comma-separated agent identity logins
//	SEKIMORI_AGENT_BRANCH_PREFIXES comma-separated owned branch prefixes
//	SEKIMORI_TRUSTED_BRANCH_OWNERS comma-separated trusted PR authors
//	SEKIMORI_INCOGNITO_USER        user-delegated identity login
//	SEKIMORI_GITHUB_API_URL        repository-host API endpoint override
//	SEKIMORI_GITHUB_TOKEN          token for policy queries
//	SEKIMORI_STATE_DIR             persistence root (default /var/lib/sekimori)
//	SEKIMORI_LAUNCHER_SECRET       shared secret for register/delete (required)
//	SEKIMORI_VERIFY_CONTAINERS     verify container bindings via Docker
//	SEKIMORI_DOCKER_NETWORK        network name for binding verification
//	SEKIMORI_SUBPROCESS_TIMEOUT    git/CLI subprocess deadline (default 2m)
//	LOG_LEVEL                      debug | info | warn | error
//	LOG_FORMAT                     text | json
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/bdobrica/Sekimori/common/environment"
	"github.com/bdobrica/Sekimori/common/version"
	"github.com/bdobrica/Sekimori/internal/sekimori/app"
	"github.com/bdobrica/Sekimori/internal/sekimori/config"
	"github.com/bdobrica/Sekimori/internal/sekimori/observability"
)

func main() {
	configPath := flag.String("config", environment.StringOr("SEKIMORI_CONFIG", ""), "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		info := version.Info()
		os.Stdout.WriteString("sekimori " + info + "\n")
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration invalid", "err", err)
		os.Exit(1)
	}
	observability.Setup(cfg.LogLevel, cfg.LogFormat)

	slog.Info("starting sekimori", "version", version.Version, "commit", version.GitCommit)

	a, err := app.New(cfg)
	if err != nil {
		slog.Error("initialization failed", "err", err)
		os.Exit(1)
	}
	if err := a.Run(context.Background()); err != nil {
		slog.Error("gateway exited with error", "err", err)
		os.Exit(1)
	}
}
