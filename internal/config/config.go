// Package config defines the typed configuration record for the relay
// gateway and loads it from YAML or JSON5 files.
package config

import (
	"strings"
)

// DMPolicy controls who may open a direct conversation with the bot.
type DMPolicy string

const (
	DMPolicyDisabled  DMPolicy = "disabled"
	DMPolicyOpen      DMPolicy = "open"
	DMPolicyAllowlist DMPolicy = "allowlist"
	DMPolicyPairing   DMPolicy = "pairing"
)

// GroupPolicy controls which group/channel conversations are processed.
type GroupPolicy string

const (
	GroupPolicyDisabled  GroupPolicy = "disabled"
	GroupPolicyAllowlist GroupPolicy = "allowlist"
	GroupPolicyOpen      GroupPolicy = "open"
)

// Config is the root configuration record. Unknown keys in the source
// file are ignored with a debug log rather than failing the load.
type Config struct {
	StateDir string `yaml:"stateDir" json:"stateDir"`

	Agents   AgentsConfig             `yaml:"agents" json:"agents"`
	Bindings []Binding                `yaml:"bindings" json:"bindings"`
	Channels map[string]ChannelConfig `yaml:"channels" json:"channels"`
	Session  SessionConfig            `yaml:"session" json:"session"`
	Commands CommandsConfig           `yaml:"commands" json:"commands"`
	Cron     CronConfig               `yaml:"cron" json:"cron"`
	Gateway  GatewayConfig            `yaml:"gateway" json:"gateway"`
}

// AgentsConfig lists configured agents and their shared defaults.
type AgentsConfig struct {
	Defaults AgentDefaults `yaml:"defaults" json:"defaults"`
	List     []AgentEntry  `yaml:"list" json:"list"`
}

// AgentDefaults apply to every agent unless overridden per entry.
type AgentDefaults struct {
	Model    string `yaml:"model" json:"model"`
	Provider string `yaml:"provider" json:"provider"`
}

// AgentEntry describes one agent available for routing.
type AgentEntry struct {
	ID       string `yaml:"id" json:"id"`
	Default  bool   `yaml:"default" json:"default"`
	Model    string `yaml:"model" json:"model"`
	Provider string `yaml:"provider" json:"provider"`
}

// Binding maps a conversation context to an agent.
type Binding struct {
	AgentID string       `yaml:"agentId" json:"agentId"`
	Match   BindingMatch `yaml:"match" json:"match"`
}

// BindingMatch narrows a binding to a channel, account, peer, guild,
// team, or role set. An empty match never matches.
type BindingMatch struct {
	Channel   string     `yaml:"channel" json:"channel"`
	AccountID string     `yaml:"accountId" json:"accountId"` // "*" matches any account
	Peer      *PeerMatch `yaml:"peer" json:"peer"`
	GuildID   string     `yaml:"guildId" json:"guildId"`
	TeamID    string     `yaml:"teamId" json:"teamId"`
	Roles     []string   `yaml:"roles" json:"roles"`
}

// PeerMatch identifies a single conversation peer.
type PeerMatch struct {
	Kind string `yaml:"kind" json:"kind"` // direct, group, channel
	ID   string `yaml:"id" json:"id"`
}

// ChannelConfig holds per-channel settings; account-level overrides live
// under Accounts keyed by account id.
type ChannelConfig struct {
	Enabled        *bool                    `yaml:"enabled" json:"enabled"`
	BotToken       string                   `yaml:"botToken" json:"botToken"`
	BaseURL        string                   `yaml:"baseUrl" json:"baseUrl"`
	AllowFrom      []string                 `yaml:"allowFrom" json:"allowFrom"`
	GroupAllowFrom []string                 `yaml:"groupAllowFrom" json:"groupAllowFrom"`
	DMPolicy       DMPolicy                 `yaml:"dmPolicy" json:"dmPolicy"`
	GroupPolicy    GroupPolicy              `yaml:"groupPolicy" json:"groupPolicy"`
	Accounts       map[string]AccountConfig `yaml:"accounts" json:"accounts"`
	ResponsePrefix string                   `yaml:"responsePrefix" json:"responsePrefix"`
	ConfigWrites   bool                     `yaml:"configWrites" json:"configWrites"`
	RequireMention *bool                    `yaml:"requireMention" json:"requireMention"`
	DebounceMs     *int                     `yaml:"debounceMs" json:"debounceMs"`
	MediaMaxBytes  int64                    `yaml:"mediaMaxBytes" json:"mediaMaxBytes"`
	HistoryLimit   int                      `yaml:"historyLimit" json:"historyLimit"`
}

// AccountConfig overrides channel settings for one bot account.
type AccountConfig struct {
	Enabled        *bool       `yaml:"enabled" json:"enabled"`
	BotToken       string      `yaml:"botToken" json:"botToken"`
	BaseURL        string      `yaml:"baseUrl" json:"baseUrl"`
	AllowFrom      []string    `yaml:"allowFrom" json:"allowFrom"`
	GroupAllowFrom []string    `yaml:"groupAllowFrom" json:"groupAllowFrom"`
	DMPolicy       DMPolicy    `yaml:"dmPolicy" json:"dmPolicy"`
	GroupPolicy    GroupPolicy `yaml:"groupPolicy" json:"groupPolicy"`
}

// SessionConfig controls session key scoping.
type SessionConfig struct {
	Store   string `yaml:"store" json:"store"`
	MainKey string `yaml:"mainKey" json:"mainKey"`
	Scope   string `yaml:"scope" json:"scope"`
	// DMScope: per-peer | per-channel-peer | per-account-channel-peer
	DMScope       string              `yaml:"dmScope" json:"dmScope"`
	IdentityLinks map[string][]string `yaml:"identityLinks" json:"identityLinks"`
}

// CommandsConfig controls who may use control commands.
type CommandsConfig struct {
	// AllowFrom, when present, is authoritative: keys are channel ids or
	// "*"; a "*" entry inside a list allows any sender.
	AllowFrom       map[string][]string `yaml:"allowFrom" json:"allowFrom"`
	OwnerAllowFrom  []string            `yaml:"ownerAllowFrom" json:"ownerAllowFrom"`
	UseAccessGroups *bool               `yaml:"useAccessGroups" json:"useAccessGroups"`
	Bash            bool                `yaml:"bash" json:"bash"`
	Config          bool                `yaml:"config" json:"config"`
	Debug           bool                `yaml:"debug" json:"debug"`
	Text            bool                `yaml:"text" json:"text"`
}

// CronConfig controls the scheduler.
type CronConfig struct {
	Enabled           *bool        `yaml:"enabled" json:"enabled"`
	MaxConcurrentRuns int          `yaml:"maxConcurrentRuns" json:"maxConcurrentRuns"`
	Store             string       `yaml:"store" json:"store"`
	RunLog            RunLogConfig `yaml:"runLog" json:"runLog"`
}

// RunLogConfig bounds the per-job run log.
type RunLogConfig struct {
	MaxBytes  int64 `yaml:"maxBytes" json:"maxBytes"`
	KeepLines int   `yaml:"keepLines" json:"keepLines"`
}

// UseAccessGroupsEnabled defaults to true when unset.
func (c CommandsConfig) UseAccessGroupsEnabled() bool {
	if c.UseAccessGroups == nil {
		return true
	}
	return *c.UseAccessGroups
}

// CronEnabled defaults to true when unset.
func (c CronConfig) CronEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// ChannelFor returns the channel config for id, resolving aliases to
// lowercase. Missing channels yield a zero value.
func (c *Config) ChannelFor(id string) ChannelConfig {
	if c == nil || c.Channels == nil {
		return ChannelConfig{}
	}
	return c.Channels[strings.ToLower(strings.TrimSpace(id))]
}

// ResolveDMPolicy applies the account override and the "pairing" default.
func (c *Config) ResolveDMPolicy(channel, accountID string) DMPolicy {
	ch := c.ChannelFor(channel)
	policy := ch.DMPolicy
	if acct, ok := ch.Accounts[accountID]; ok && acct.DMPolicy != "" {
		policy = acct.DMPolicy
	}
	switch policy {
	case DMPolicyDisabled, DMPolicyOpen, DMPolicyAllowlist, DMPolicyPairing:
		return policy
	default:
		return DMPolicyPairing
	}
}

// ResolveGroupPolicy applies the account override and the "allowlist" default.
func (c *Config) ResolveGroupPolicy(channel, accountID string) GroupPolicy {
	ch := c.ChannelFor(channel)
	policy := ch.GroupPolicy
	if acct, ok := ch.Accounts[accountID]; ok && acct.GroupPolicy != "" {
		policy = acct.GroupPolicy
	}
	switch policy {
	case GroupPolicyDisabled, GroupPolicyAllowlist, GroupPolicyOpen:
		return policy
	default:
		return GroupPolicyAllowlist
	}
}

// ResolveAllowFrom merges account-scoped entries over channel entries.
func (c *Config) ResolveAllowFrom(channel, accountID string) []string {
	ch := c.ChannelFor(channel)
	if acct, ok := ch.Accounts[accountID]; ok && len(acct.AllowFrom) > 0 {
		return acct.AllowFrom
	}
	return ch.AllowFrom
}

// ResolveGroupAllowFrom merges account-scoped entries over channel entries.
func (c *Config) ResolveGroupAllowFrom(channel, accountID string) []string {
	ch := c.ChannelFor(channel)
	if acct, ok := ch.Accounts[accountID]; ok && len(acct.GroupAllowFrom) > 0 {
		return acct.GroupAllowFrom
	}
	return ch.GroupAllowFrom
}

// DefaultAgentID returns the agent marked default in agents.list, or "main".
func (c *Config) DefaultAgentID() string {
	if c != nil {
		for _, agent := range c.Agents.List {
			if agent.Default && strings.TrimSpace(agent.ID) != "" {
				return agent.ID
			}
		}
	}
	return "main"
}

// HasAgent reports whether id appears in agents.list. An empty list
// accepts only the implicit "main" agent.
func (c *Config) HasAgent(id string) bool {
	if c == nil || len(c.Agents.List) == 0 {
		return id == "main" || id == ""
	}
	for _, agent := range c.Agents.List {
		if agent.ID == id {
			return true
		}
	}
	return false
}
