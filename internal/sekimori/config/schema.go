package config

// schemaJSON is the JSON Schema every configuration file must satisfy.
// It rejects unknown keys so a typoed setting fails loudly at startup
// instead of silently falling back to a default.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "Sekimori gateway configuration",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "listen-control":         {"type": "string", "minLength": 1},
    "listen-adaptation":      {"type": "string", "minLength": 1},
    "session-ttl-hours":      {"type": "integer", "minimum": 1},
    "rate-limit": {
      "type": "object",
      "additionalProperties": {"type": "integer", "minimum": 1},
      "propertyNames": {
        "enum": ["git-push", "pr-mutation", "branch-operation", "credential-access", "log-access"]
      }
    },
    "upstream-host":          {"type": "string", "minLength": 1},
    "credentials-file":       {"type": "string", "minLength": 1},
    "credential-kind":        {"enum": ["api-key", "oauth-token", "auto"]},
    "agent-logins":           {"type": "array", "items": {"type": "string", "minLength": 1}},
    "agent-branch-prefixes":  {"type": "array", "items": {"type": "string", "minLength": 1}},
    "trusted-branch-owners":  {"type": "array", "items": {"type": "string", "minLength": 1}},
    "incognito-user":         {"type": "string"},
    "github-api-url":         {"type": "string"},
    "github-token":           {"type": "string"},
    "state-dir":              {"type": "string", "minLength": 1},
    "log-dir":                {"type": "string"},
    "launcher-secret":        {"type": "string", "minLength": 1},
    "verify-containers":      {"type": "boolean"},
    "docker-network":         {"type": "string"},
    "subprocess-timeout":     {"type": "string"},
    "log-level":              {"enum": ["debug", "info", "warn", "error"]},
    "log-format":             {"enum": ["text", "json"]}
  }
}`
