// Package config loads the gateway configuration.
//
// Configuration comes from a YAML file validated against an embedded JSON
// Schema, then overlaid with environment variables (environment wins). The
// file may be omitted entirely, in which case environment variables and
// defaults carry the whole configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Sekimori/common/environment"
)

// Config is the full gateway configuration.
type Config struct {
	// ListenControl is the control-plane bind address on the isolated
	// bridge network.
	ListenControl string `yaml:"listen-control"`
	// ListenAdaptation is the ICAP server bind address.
	ListenAdaptation string `yaml:"listen-adaptation"`

	// SessionTTLHours is the default session lifetime.
	SessionTTLHours int `yaml:"session-ttl-hours"`

	// RateLimit holds per-class sliding-window limits, keyed by class name
	// (git-push, pr-mutation, branch-operation, credential-access,
	// log-access).
	RateLimit map[string]int `yaml:"rate-limit"`

	// UpstreamHost is the hostname that triggers credential injection.
	UpstreamHost string `yaml:"upstream-host"`
	// CredentialsFile is the path of the upstream credential source.
	CredentialsFile string `yaml:"credentials-file"`
	// CredentialKind pins the credential header form: "api-key",
	// "oauth-token", or "auto" (infer from the value).
	CredentialKind string `yaml:"credential-kind"`

	// AgentLogins are the hosted agent identity's known login variants.
	AgentLogins []string `yaml:"agent-logins"`
	// AgentBranchPrefixes mark branches the agent owns outright.
	AgentBranchPrefixes []string `yaml:"agent-branch-prefixes"`
	// TrustedBranchOwners are additional allowed PR authors.
	TrustedBranchOwners []string `yaml:"trusted-branch-owners"`
	// IncognitoUser is the configured user-delegated identity login.
	IncognitoUser string `yaml:"incognito-user"`

	// GitHubAPIURL overrides the repository-host API endpoint.
	GitHubAPIURL string `yaml:"github-api-url"`
	// GitHubToken authenticates policy queries to the repository host.
	GitHubToken string `yaml:"github-token"`

	// StateDir is the root directory for persistence (sessions.json,
	// audit.log, log-index.json).
	StateDir string `yaml:"state-dir"`
	// LogDir holds the per-container log files referenced by the index.
	// Defaults to <state-dir>/logs.
	LogDir string `yaml:"log-dir"`

	// LauncherSecret is the shared secret required on session register and
	// delete.
	LauncherSecret string `yaml:"launcher-secret"`

	// VerifyContainers enables Docker Engine verification of the
	// container→IP binding at registration.
	VerifyContainers bool `yaml:"verify-containers"`
	// DockerNetwork names the overlay network to verify against.
	DockerNetwork string `yaml:"docker-network"`

	// SubprocessTimeout bounds git / host-CLI subprocess runs.
	SubprocessTimeout Duration `yaml:"subprocess-timeout"`

	// LogLevel is "debug", "info", "warn" or "error".
	LogLevel string `yaml:"log-level"`
	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log-format"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ListenControl:       ":8460",
		ListenAdaptation:    ":1344",
		SessionTTLHours:     24,
		RateLimit:           map[string]int{},
		UpstreamHost:        "api.anthropic.com",
		CredentialKind:      "auto",
		AgentBranchPrefixes: []string{"agent-", "agent/"},
		StateDir:            "/var/lib/sekimori",
		LogLevel:            "info",
		LogFormat:           "text",
		SubprocessTimeout:   Duration(2 * time.Minute),
	}
}

// Load reads the YAML file at path (optional), validates it against the
// embedded schema, and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			if err := parseInto(cfg, data); err != nil {
				return nil, err
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes and validates a YAML document without touching the
// environment. It is the canonical entry point for tests.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := parseInto(cfg, data); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseInto schema-checks the raw document and decodes it over cfg.
func parseInto(cfg *Config, data []byte) error {
	// The schema validates the generic decoding so unknown keys and wrong
	// types are reported with a path, before the struct decode runs.
	var generic map[string]interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("config: parse: %w", err)
	}
	if generic != nil {
		if err := compiledSchema.Validate(normalize(generic)); err != nil {
			return fmt.Errorf("config: schema: %w", err)
		}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: decode: %w", err)
	}
	return nil
}

// applyEnv overlays SEKIMORI_* environment variables; the environment wins
// over the file.
func applyEnv(cfg *Config) {
	cfg.ListenControl = environment.StringOr("SEKIMORI_LISTEN_CONTROL", cfg.ListenControl)
	cfg.ListenAdaptation = environment.StringOr("SEKIMORI_LISTEN_ADAPTATION", cfg.ListenAdaptation)
	cfg.SessionTTLHours = environment.IntOr("SEKIMORI_SESSION_TTL_HOURS", cfg.SessionTTLHours)
	cfg.UpstreamHost = environment.StringOr("SEKIMORI_UPSTREAM_HOST", cfg.UpstreamHost)
	cfg.CredentialsFile = environment.StringOr("SEKIMORI_CREDENTIALS_FILE", cfg.CredentialsFile)
	cfg.CredentialKind = environment.StringOr("SEKIMORI_CREDENTIAL_KIND", cfg.CredentialKind)
	cfg.AgentLogins = environment.StringSliceOr("SEKIMORI_AGENT_LOGINS", cfg.AgentLogins)
	cfg.AgentBranchPrefixes = environment.StringSliceOr("SEKIMORI_AGENT_BRANCH_PREFIXES", cfg.AgentBranchPrefixes)
	cfg.TrustedBranchOwners = environment.StringSliceOr("SEKIMORI_TRUSTED_BRANCH_OWNERS", cfg.TrustedBranchOwners)
	cfg.IncognitoUser = environment.StringOr("SEKIMORI_INCOGNITO_USER", cfg.IncognitoUser)
	cfg.GitHubAPIURL = environment.StringOr("SEKIMORI_GITHUB_API_URL", cfg.GitHubAPIURL)
	cfg.GitHubToken = environment.StringOr("SEKIMORI_GITHUB_TOKEN", cfg.GitHubToken)
	cfg.StateDir = environment.StringOr("SEKIMORI_STATE_DIR", cfg.StateDir)
	cfg.LogDir = environment.StringOr("SEKIMORI_LOG_DIR", cfg.LogDir)
	cfg.LauncherSecret = environment.StringOr("SEKIMORI_LAUNCHER_SECRET", cfg.LauncherSecret)
	cfg.VerifyContainers = environment.BoolOr("SEKIMORI_VERIFY_CONTAINERS", cfg.VerifyContainers)
	cfg.DockerNetwork = environment.StringOr("SEKIMORI_DOCKER_NETWORK", cfg.DockerNetwork)
	cfg.SubprocessTimeout = Duration(environment.DurationOr("SEKIMORI_SUBPROCESS_TIMEOUT", time.Duration(cfg.SubprocessTimeout)))
	cfg.LogLevel = environment.StringOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = environment.StringOr("LOG_FORMAT", cfg.LogFormat)
}

// validate checks cross-field constraints the schema cannot express.
func (c *Config) validate() error {
	if c.CredentialsFile == "" {
		return fmt.Errorf("config: credentials-file must be set")
	}
	if c.LauncherSecret == "" {
		return fmt.Errorf("config: launcher-secret must be set")
	}
	if c.UpstreamHost == "" {
		return fmt.Errorf("config: upstream-host must not be empty")
	}
	if c.SessionTTLHours <= 0 {
		return fmt.Errorf("config: session-ttl-hours must be positive, got %d", c.SessionTTLHours)
	}
	switch c.CredentialKind {
	case "api-key", "oauth-token", "auto", "":
	default:
		return fmt.Errorf("config: credential-kind must be api-key, oauth-token or auto, got %q", c.CredentialKind)
	}
	for class, n := range c.RateLimit {
		if n <= 0 {
			return fmt.Errorf("config: rate-limit.%s must be positive, got %d", class, n)
		}
	}
	if c.LogDir == "" {
		c.LogDir = c.StateDir + "/logs"
	}
	return nil
}

// SessionTTL returns the configured TTL as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

// Duration decodes Go duration strings ("30s", "2m") from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// compiledSchema is built once at init; the schema text is a compile-time
// constant so failure here is a programming error.
var compiledSchema = jsonschema.MustCompileString("sekimori-config.schema.json", schemaJSON)

// normalize converts yaml.v3's decoded trees into the JSON-compatible shapes
// the schema validator expects (nested map keys as strings, ints as-is).
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
