// Package auth decides who may run control commands. The decision is a
// pure function of the conversation context, the config, and the active
// channel dock; it never errors.
package auth

import (
	"regexp"
	"strings"

	"github.com/relayhq/relay/internal/config"
)

// Context carries the sender identity fields collected by an adapter.
type Context struct {
	Channel   string // provider id, e.g. "telegram"
	AccountID string
	SenderID  string
	SenderE164 string
	// From is the raw transport-level sender field; it is only trusted
	// for DMs and only when it is not a conversation identity.
	From     string
	To       string
	IsDirect bool
}

// Decision is the computed authorization result.
type Decision struct {
	ProviderID         string
	OwnerList          []string
	SenderID           string
	SenderIsOwner      bool
	IsAuthorizedSender bool
	From               string
	To                 string
}

// Dock exposes per-channel authorization hooks. Adapters register a dock
// in the Registry; missing docks behave permissively (no extra owner
// enforcement, config-resolved allowFrom only).
type Dock interface {
	// ResolveAllowFrom returns the channel's effective allow list for the
	// account, including any file-backed pairing approvals.
	ResolveAllowFrom(accountID string) []string
	// EnforceOwnerForCommands forces owner match even when the owner
	// list is derived rather than explicit.
	EnforceOwnerForCommands() bool
}

// conversationLike matches identities that name a conversation rather
// than a person; these must never be used as a sender.
var conversationLike = regexp.MustCompile(`^(channel|group|thread|topic|room|space):`)

// Authorize computes the command-authorization decision for ctx.
func Authorize(ctx Context, cfg *config.Config, dock Dock) Decision {
	provider := strings.ToLower(strings.TrimSpace(ctx.Channel))
	senderID := resolveSender(ctx, provider)

	decision := Decision{
		ProviderID: provider,
		SenderID:   senderID,
		From:       ctx.From,
		To:         ctx.To,
	}

	// commands.allowFrom is authoritative when present.
	if cfg != nil && len(cfg.Commands.AllowFrom) > 0 {
		list, ok := cfg.Commands.AllowFrom[provider]
		if !ok {
			list, ok = cfg.Commands.AllowFrom["*"]
		}
		if ok {
			decision.OwnerList = sanitizeList(list, true)
			decision.IsAuthorizedSender = matchesList(list, senderID, ctx)
			decision.SenderIsOwner = decision.IsAuthorizedSender
		}
		return decision
	}

	owners := ownerListFor(cfg, provider, ctx.AccountID, dock)
	decision.OwnerList = owners

	enforceOwner := len(owners) > 0
	if dock != nil && dock.EnforceOwnerForCommands() {
		enforceOwner = true
	}

	if !enforceOwner {
		decision.IsAuthorizedSender = true
		return decision
	}
	decision.SenderIsOwner = matchesList(owners, senderID, ctx)
	decision.IsAuthorizedSender = decision.SenderIsOwner
	return decision
}

// ownerListFor resolves the owner list: explicit ownerAllowFrom entries
// scoped to this provider win; otherwise the provider's allowFrom (minus
// "*") stands in.
func ownerListFor(cfg *config.Config, provider, accountID string, dock Dock) []string {
	if cfg == nil {
		return nil
	}
	var owners []string
	for _, entry := range cfg.Commands.OwnerAllowFrom {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if prefix, rest, ok := strings.Cut(entry, ":"); ok && isProviderPrefix(prefix) {
			if strings.EqualFold(prefix, provider) {
				owners = append(owners, rest)
			}
			continue
		}
		owners = append(owners, entry)
	}
	if len(owners) > 0 {
		return sanitizeList(owners, false)
	}
	allowFrom := cfg.ResolveAllowFrom(provider, accountID)
	if dock != nil {
		allowFrom = dock.ResolveAllowFrom(accountID)
	}
	return sanitizeList(allowFrom, true)
}

// resolveSender picks the sender identity. WhatsApp prefers the E.164
// number; everything else prefers the internal id. The raw From field is
// a DM-only last resort and never a conversation identity.
func resolveSender(ctx Context, provider string) string {
	var candidates []string
	if provider == "whatsapp" {
		candidates = []string{ctx.SenderE164, ctx.SenderID}
	} else {
		candidates = []string{ctx.SenderID, ctx.SenderE164}
	}
	if ctx.IsDirect {
		candidates = append(candidates, ctx.From)
	}
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" || isConversationIdentity(candidate) {
			continue
		}
		return candidate
	}
	return ""
}

func isConversationIdentity(value string) bool {
	lower := strings.ToLower(value)
	if strings.Contains(lower, "@g.us") {
		return true
	}
	if strings.HasPrefix(lower, "chat_id:") {
		return true
	}
	return conversationLike.MatchString(lower)
}

// isProviderPrefix reports whether an ownerAllowFrom prefix names a
// channel. Anything that is not a known channel id is treated as part of
// the identity itself (phone numbers contain no colon, but ids may).
func isProviderPrefix(prefix string) bool {
	switch strings.ToLower(prefix) {
	case "telegram", "whatsapp", "slack", "discord", "mattermost", "teams", "web":
		return true
	default:
		return false
	}
}

// NormalizeAllowEntry canonicalizes an allow-list entry or sender id for
// comparison: a "user:" or channel prefix is stripped, then a leading
// "@", and the rest lowercased. The wildcard "*" passes through.
func NormalizeAllowEntry(value string) string {
	token := strings.TrimSpace(value)
	if token == "" || token == "*" {
		return token
	}
	if prefix, rest, ok := strings.Cut(token, ":"); ok {
		if strings.EqualFold(prefix, "user") || isProviderPrefix(prefix) {
			token = rest
		}
	}
	token = strings.TrimPrefix(token, "@")
	return strings.ToLower(strings.TrimSpace(token))
}

func matchesList(list []string, senderID string, ctx Context) bool {
	if senderID == "" && ctx.SenderE164 == "" {
		return false
	}
	sender := NormalizeAllowEntry(senderID)
	e164 := NormalizeAllowEntry(ctx.SenderE164)
	for _, raw := range list {
		entry := NormalizeAllowEntry(raw)
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}
		if sender != "" && entry == sender {
			return true
		}
		if e164 != "" && entry == e164 {
			return true
		}
	}
	return false
}

// sanitizeList trims entries and drops blanks; when stripWildcard is set
// "*" entries are removed as well (derived owner lists must be explicit).
func sanitizeList(list []string, stripWildcard bool) []string {
	out := make([]string, 0, len(list))
	seen := map[string]bool{}
	for _, entry := range list {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if stripWildcard && entry == "*" {
			continue
		}
		key := strings.ToLower(entry)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, entry)
	}
	return out
}
