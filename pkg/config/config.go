// Package config loads a repository's server configuration: storage
// backend selection, branch-protection rules, hook registrations, and
// auth policy, all from a single YAML document via gopkg.in/yaml.v3,
// matching the teacher pack's own config-loading idiom.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kptdev/gitd/internal/giterrors"
	"github.com/kptdev/gitd/pkg/protection"
)

// StorageConfig selects and configures C4's backend.
type StorageConfig struct {
	Kind string `yaml:"kind"` // "fs" or "s3"

	FSRoot string `yaml:"fs_root,omitempty"`

	S3Bucket   string `yaml:"s3_bucket,omitempty"`
	S3Prefix   string `yaml:"s3_prefix,omitempty"`
	S3Region   string `yaml:"s3_region,omitempty"`
	S3Endpoint string `yaml:"s3_endpoint,omitempty"`
}

// ProtectionRuleConfig is the YAML shape of one protection.Rule.
type ProtectionRuleConfig struct {
	Pattern                       string   `yaml:"pattern"`
	AllowAdminBypass              bool     `yaml:"allow_admin_bypass,omitempty"`
	BypassUsers                   []string `yaml:"bypass_users,omitempty"`
	BypassTeams                   []string `yaml:"bypass_teams,omitempty"`
	LockBranch                    bool     `yaml:"lock_branch,omitempty"`
	BlockDeletion                 bool     `yaml:"block_deletion,omitempty"`
	BlockForcePush                bool     `yaml:"block_force_push,omitempty"`
	RequiredReviews               int      `yaml:"required_reviews,omitempty"`
	RequireLinearHistory          bool     `yaml:"require_linear_history,omitempty"`
	RequireSignedCommits          bool     `yaml:"require_signed_commits,omitempty"`
	RequiredStatusChecks          []string `yaml:"required_status_checks,omitempty"`
	RequireUpToDate               bool     `yaml:"require_up_to_date,omitempty"`
	RequireConversationResolution bool     `yaml:"require_conversation_resolution,omitempty"`
	CustomMessage                 string   `yaml:"custom_message,omitempty"`
}

func (c ProtectionRuleConfig) toRule() protection.Rule {
	return protection.Rule{
		Pattern:                       c.Pattern,
		AllowAdminBypass:              c.AllowAdminBypass,
		BypassUsers:                   c.BypassUsers,
		BypassTeams:                   c.BypassTeams,
		LockBranch:                    c.LockBranch,
		BlockDeletion:                 c.BlockDeletion,
		BlockForcePush:                c.BlockForcePush,
		RequiredReviews:               c.RequiredReviews,
		RequireLinearHistory:          c.RequireLinearHistory,
		RequireSignedCommits:          c.RequireSignedCommits,
		RequiredStatusChecks:          c.RequiredStatusChecks,
		RequireUpToDate:               c.RequireUpToDate,
		RequireConversationResolution: c.RequireConversationResolution,
		CustomMessage:                 c.CustomMessage,
	}
}

// HookConfig is the YAML shape of one protection.Hook.
type HookConfig struct {
	Name      string `yaml:"name"`
	Point     string `yaml:"point"` // pre-receive | update | post-receive | post-update
	Priority  int    `yaml:"priority,omitempty"`
	TimeoutMS int    `yaml:"timeout_ms,omitempty"`
	Enabled   bool   `yaml:"enabled"`

	Webhook *WebhookConfig `yaml:"webhook,omitempty"`
}

// WebhookConfig is the YAML shape of protection.WebhookConfig.
type WebhookConfig struct {
	URL      string  `yaml:"url"`
	Secret   string  `yaml:"secret"`
	Attempts int     `yaml:"attempts,omitempty"`
	DelayMS  int     `yaml:"delay_ms,omitempty"`
	Backoff  float64 `yaml:"backoff,omitempty"`
}

func (c HookConfig) toHook() protection.Hook {
	h := protection.Hook{
		Name:      c.Name,
		Point:     protection.HookPoint(c.Point),
		Priority:  c.Priority,
		TimeoutMS: c.TimeoutMS,
		Enabled:   c.Enabled,
	}
	if c.Webhook != nil {
		h.Webhook = &protection.WebhookConfig{
			URL:      c.Webhook.URL,
			Secret:   c.Webhook.Secret,
			Attempts: c.Webhook.Attempts,
			DelayMS:  c.Webhook.DelayMS,
			Backoff:  c.Webhook.Backoff,
		}
	}
	return h
}

// AuthConfig drives C10's Policy.
type AuthConfig struct {
	AllowAnonymous    bool              `yaml:"allow_anonymous,omitempty"`
	AnonymousReadOnly bool              `yaml:"anonymous_read_only,omitempty"`
	Realm             string            `yaml:"realm,omitempty"`
	BasicUsers        map[string]string `yaml:"basic_users,omitempty"`
	JWTSecret         string            `yaml:"jwt_secret,omitempty"`
}

// ServerConfig is the top-level document.
type ServerConfig struct {
	Listen           string                 `yaml:"listen"`
	Agent            string                 `yaml:"agent,omitempty"`
	Storage          StorageConfig          `yaml:"storage"`
	Protection       []ProtectionRuleConfig `yaml:"protection_rules,omitempty"`
	Hooks            []HookConfig           `yaml:"hooks,omitempty"`
	Auth             AuthConfig             `yaml:"auth,omitempty"`
	PackRefsInterval time.Duration          `yaml:"pack_refs_interval,omitempty"`
}

// ProtectionRules converts the YAML rule configs to protection.Rule
// values in document order (SelectRule's specificity scoring doesn't
// depend on order, but config authors still expect it preserved).
func (s ServerConfig) ProtectionRules() []protection.Rule {
	rules := make([]protection.Rule, len(s.Protection))
	for i, c := range s.Protection {
		rules[i] = c.toRule()
	}
	return rules
}

// HookList converts the YAML hook configs to protection.Hook values.
func (s ServerConfig) HookList() []protection.Hook {
	hooks := make([]protection.Hook, len(s.Hooks))
	for i, c := range s.Hooks {
		hooks[i] = c.toHook()
	}
	return hooks
}

// Load reads and parses path as a ServerConfig.
func Load(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, giterrors.Wrap(giterrors.NotFound, err, "reading config file %s", path)
	}
	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, giterrors.Wrap(giterrors.CorruptObject, err, "parsing config file %s", path)
	}
	return &cfg, nil
}
