// Package sessions builds canonical session keys and routes inbound
// conversations to agents.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the session type:
//
//	Main:        {mainKey} (usually "main")
//	DM:          direct:{peerId} | {channel}:direct:{peerId} |
//	             {channel}:{accountId}:direct:{peerId}  (per session.dmScope)
//	Group:       {channel}:group:{groupId}
//	Channel:     {channel}:channel:{channelId}
//	Thread:      {base}:topic:{threadId}
//	Subagent:    subagent:{id}
//	Cron:        cron:{jobId}[:run:{runId}]
//
// The legacy marker "dm" is synonymous with "direct" and rewritten on read.
package sessions

import (
	"fmt"
	"regexp"
	"strings"
)

// Defaults used when the configuration leaves fields empty.
const (
	DefaultAgentID   = "main"
	DefaultMainKey   = "main"
	DefaultAccountID = "default"
)

// DM scope values for session.dmScope.
const (
	DMScopePerPeer               = "per-peer"
	DMScopePerChannelPeer        = "per-channel-peer"
	DMScopePerAccountChannelPeer = "per-account-channel-peer"
)

var agentIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

var invalidCharsRegex = regexp.MustCompile(`[^a-z0-9_-]+`)

// blockedAccountKeys would collide with object prototype members in
// stores that feed JS clients; they are rejected at the input boundary.
var blockedAccountKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// NormalizeAgentID normalizes an agent id to be path-safe: lowercase
// [a-z0-9][a-z0-9_-]{0,63}, invalid characters collapsed to "-".
func NormalizeAgentID(value string) string {
	return normalizeIdentifier(value, DefaultAgentID)
}

// NormalizeAccountID normalizes an account id the same way agent ids
// are normalized, with prototype-polluting keys rejected outright.
func NormalizeAccountID(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if blockedAccountKeys[trimmed] {
		return DefaultAccountID
	}
	return normalizeIdentifier(value, DefaultAccountID)
}

func normalizeIdentifier(value, fallback string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return fallback
	}
	if agentIDRegex.MatchString(trimmed) {
		return trimmed
	}
	normalized := invalidCharsRegex.ReplaceAllString(trimmed, "-")
	normalized = strings.Trim(normalized, "-")
	if len(normalized) > 64 {
		normalized = normalized[:64]
	}
	if normalized == "" {
		return fallback
	}
	return normalized
}

// NormalizePeerKind coerces the legacy "dm" marker to "direct" and
// defaults empty kinds to "direct".
func NormalizePeerKind(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "dm", "direct":
		return "direct"
	case "group":
		return "group"
	case "channel":
		return "channel"
	default:
		return "direct"
	}
}

// CanonicalizeKey rewrites legacy "dm" path segments to "direct" so
// persisted keys compare equal regardless of which marker produced them.
func CanonicalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return key
	}
	parts := strings.Split(key, ":")
	for i, part := range parts {
		if part == "dm" {
			parts[i] = "direct"
		}
	}
	return strings.Join(parts, ":")
}

// ParsedKey is the decomposed form of a canonical session key.
type ParsedKey struct {
	AgentID string
	Rest    string
}

// ParseKey parses "agent:{agentId}:{rest}". Returns nil for keys that
// do not carry the agent prefix.
func ParseKey(key string) *ParsedKey {
	raw := strings.TrimSpace(key)
	if raw == "" {
		return nil
	}
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return nil
	}
	agentID := strings.TrimSpace(parts[1])
	rest := strings.TrimSpace(parts[2])
	if agentID == "" || rest == "" {
		return nil
	}
	return &ParsedKey{AgentID: agentID, Rest: CanonicalizeKey(rest)}
}

// MainKey builds "agent:{agentId}:{mainKey}".
func MainKey(agentID, mainKey string) string {
	if strings.TrimSpace(mainKey) == "" {
		mainKey = DefaultMainKey
	}
	return "agent:" + NormalizeAgentID(agentID) + ":" + mainKey
}

// SubagentKey builds "agent:{agentId}:subagent:{id}".
func SubagentKey(agentID, id string) string {
	return "agent:" + NormalizeAgentID(agentID) + ":subagent:" + strings.TrimSpace(id)
}

// CronKey builds "agent:{agentId}:cron:{jobId}[:run:{runId}]". If jobID
// is already a canonical key only its rest part is used, which keeps
// re-runs from double-prefixing.
func CronKey(agentID, jobID, runID string) string {
	if parsed := ParseKey(jobID); parsed != nil {
		jobID = parsed.Rest
	}
	key := "agent:" + NormalizeAgentID(agentID) + ":cron:" + strings.TrimSpace(jobID)
	if strings.TrimSpace(runID) != "" {
		key += ":run:" + strings.TrimSpace(runID)
	}
	return key
}

// DirectKey builds the DM session key for the given scope.
func DirectKey(agentID, channel, accountID, peerID, dmScope string) string {
	agent := NormalizeAgentID(agentID)
	peer := strings.TrimSpace(peerID)
	switch dmScope {
	case DMScopePerChannelPeer:
		return fmt.Sprintf("agent:%s:%s:direct:%s", agent, normalizeChannel(channel), peer)
	case DMScopePerAccountChannelPeer:
		return fmt.Sprintf("agent:%s:%s:%s:direct:%s", agent, normalizeChannel(channel), NormalizeAccountID(accountID), peer)
	default: // per-peer
		return fmt.Sprintf("agent:%s:direct:%s", agent, peer)
	}
}

// GroupKey builds "agent:{agentId}:{channel}:{kind}:{id}" for group and
// channel peers; kind must be "group" or "channel".
func GroupKey(agentID, channel, kind, peerID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s",
		NormalizeAgentID(agentID), normalizeChannel(channel), kind, strings.TrimSpace(peerID))
}

// ThreadKey appends the thread suffix to a base session key.
func ThreadKey(baseKey, threadID string) string {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return baseKey
	}
	return baseKey + ":topic:" + threadID
}

// ResolveLinkedPeerID maps (channel, peerId) through session.identityLinks.
// Candidates are the bare peer id and "channel:peerId", both lowercased;
// the canonical alias replaces the peer id under DM scopes. Returns ""
// when no link matches.
func ResolveLinkedPeerID(identityLinks map[string][]string, channel, peerID string) string {
	if len(identityLinks) == 0 {
		return ""
	}
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return ""
	}
	candidates := map[string]bool{normalizeToken(peerID): true}
	if ch := normalizeChannel(channel); ch != "" {
		candidates[normalizeToken(ch+":"+peerID)] = true
	}
	for canonical, ids := range identityLinks {
		canonical = strings.TrimSpace(canonical)
		if canonical == "" {
			continue
		}
		for _, id := range ids {
			if candidates[normalizeToken(id)] {
				return canonical
			}
		}
	}
	return ""
}

func normalizeChannel(value string) string {
	ch := strings.ToLower(strings.TrimSpace(value))
	if ch == "" {
		return "unknown"
	}
	return ch
}

func normalizeToken(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
