package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Sekimori/internal/sekimori/config"
)

const minimalYAML = `
credentials-file: /etc/sekimori/credentials
launcher-secret: hunter2
`

func TestParse_MinimalAppliesDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.ListenControl != ":8460" {
		t.Errorf("ListenControl = %q, want :8460", cfg.ListenControl)
	}
	if cfg.ListenAdaptation != ":1344" {
		t.Errorf("ListenAdaptation = %q, want :1344", cfg.ListenAdaptation)
	}
	if cfg.SessionTTL() != 24*time.Hour {
		t.Errorf("SessionTTL = %v, want 24h", cfg.SessionTTL())
	}
	if cfg.UpstreamHost != "api.anthropic.com" {
		t.Errorf("UpstreamHost = %q", cfg.UpstreamHost)
	}
	if len(cfg.AgentBranchPrefixes) != 2 {
		t.Errorf("AgentBranchPrefixes = %v, want the two defaults", cfg.AgentBranchPrefixes)
	}
	if cfg.LogDir != cfg.StateDir+"/logs" {
		t.Errorf("LogDir = %q, want derived from StateDir", cfg.LogDir)
	}
	if time.Duration(cfg.SubprocessTimeout) != 2*time.Minute {
		t.Errorf("SubprocessTimeout = %v, want 2m", time.Duration(cfg.SubprocessTimeout))
	}
}

func TestParse_FullDocument(t *testing.T) {
	doc := `
listen-control: ":9000"
session-ttl-hours: 8
rate-limit:
  git-push: 10
  log-access: 100
upstream-host: api.example.com
credentials-file: /run/creds
credential-kind: oauth-token
agent-logins: [agent-bot, "agent-bot[bot]"]
trusted-branch-owners: [alice]
incognito-user: jane
state-dir: /tmp/state
launcher-secret: s3cret
verify-containers: true
docker-network: sandbox-net
subprocess-timeout: 30s
log-level: debug
log-format: json
`
	cfg, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ListenControl != ":9000" || cfg.SessionTTLHours != 8 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.RateLimit["git-push"] != 10 {
		t.Errorf("rate-limit git-push = %d, want 10", cfg.RateLimit["git-push"])
	}
	if time.Duration(cfg.SubprocessTimeout) != 30*time.Second {
		t.Errorf("SubprocessTimeout = %v, want 30s", time.Duration(cfg.SubprocessTimeout))
	}
	if !cfg.VerifyContainers || cfg.DockerNetwork != "sandbox-net" {
		t.Errorf("docker settings = %v / %q", cfg.VerifyContainers, cfg.DockerNetwork)
	}
}

func TestParse_UnknownKeyRejected(t *testing.T) {
	doc := minimalYAML + "listne-control: \":9000\"\n"
	if _, err := config.Parse([]byte(doc)); err == nil {
		t.Fatal("typoed key should fail schema validation")
	}
}

func TestParse_UnknownRateLimitClassRejected(t *testing.T) {
	doc := minimalYAML + "rate-limit:\n  git-force-push: 5\n"
	if _, err := config.Parse([]byte(doc)); err == nil {
		t.Fatal("unknown rate-limit class should fail schema validation")
	}
}

func TestParse_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"zero ttl":         minimalYAML + "session-ttl-hours: 0\n",
		"bad kind":         minimalYAML + "credential-kind: bearer\n",
		"bad log level":    minimalYAML + "log-level: verbose\n",
		"zero rate limit":  minimalYAML + "rate-limit:\n  git-push: 0\n",
		"bad duration":     minimalYAML + "subprocess-timeout: fast\n",
		"missing required": "launcher-secret: x\n",
	}
	for name, doc := range cases {
		if _, err := config.Parse([]byte(doc)); err == nil {
			t.Errorf("%s: Parse accepted an invalid document", name)
		}
	}
}

func TestLoad_EnvironmentWinsOverFile(t *testing.T) {
	t.Setenv("SEKIMORI_UPSTREAM_HOST", "override.example.com")
	t.Setenv("SEKIMORI_CREDENTIALS_FILE", "/env/creds")
	t.Setenv("SEKIMORI_LAUNCHER_SECRET", "env-secret")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UpstreamHost != "override.example.com" {
		t.Errorf("UpstreamHost = %q, want env override", cfg.UpstreamHost)
	}
	if cfg.LauncherSecret != "env-secret" {
		t.Errorf("LauncherSecret = %q, want env value", cfg.LauncherSecret)
	}
}

func TestLoad_MissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv("SEKIMORI_CREDENTIALS_FILE", "/env/creds")
	t.Setenv("SEKIMORI_LAUNCHER_SECRET", "env-secret")

	if _, err := config.Load("/nonexistent/sekimori.yaml"); err != nil {
		t.Fatalf("Load over a missing file should use env + defaults: %v", err)
	}
}

func TestLoad_RequiresCredentialsAndSecret(t *testing.T) {
	// With nothing set, validation must fail on the required fields.
	if _, err := config.Load(""); err == nil {
		t.Fatal("Load without credentials-file/launcher-secret should fail")
	} else if !strings.Contains(err.Error(), "credentials-file") {
		t.Errorf("error = %v, want mention of credentials-file", err)
	}
}
