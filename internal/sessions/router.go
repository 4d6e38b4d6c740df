package sessions

import (
	"errors"
	"strings"

	"github.com/relayhq/relay/internal/config"
)

// ErrInvalidAgent is returned when a caller-supplied agent override does
// not name a configured agent.
var ErrInvalidAgent = errors.New("invalid agent id")

// Peer identifies one side of a conversation.
type Peer struct {
	Kind string // direct, group, channel
	ID   string
}

// RouteInput carries the conversation context to be routed.
type RouteInput struct {
	Channel   string
	AccountID string
	Peer      Peer
	// ParentPeer is set for thread messages: the containing group or
	// channel the thread lives in.
	ParentPeer *Peer
	ThreadID   string
	GuildID    string
	TeamID     string
	RoleIDs    []string
	// AgentOverride forces routing to a specific agent; it must exist in
	// agents.list or routing fails with ErrInvalidAgent.
	AgentOverride string
}

// RouteResult is the routing decision for one inbound conversation.
type RouteResult struct {
	AgentID          string
	AccountID        string
	SessionKey       string
	MainSessionKey   string
	ParentSessionKey string
	MatchedBy        string
}

// Matcher kinds reported in RouteResult.MatchedBy, in priority order.
const (
	MatchedByPeer       = "binding.peer"
	MatchedByPeerParent = "binding.peer.parent"
	MatchedByGuildRoles = "binding.guild+roles"
	MatchedByGuild      = "binding.guild"
	MatchedByTeam       = "binding.team"
	MatchedByAccount    = "binding.account"
	MatchedByChannel    = "binding.channel"
	MatchedByDefault    = "default"
)

// Router resolves conversation contexts to agents and session keys.
type Router struct {
	cfg *config.Config
}

// NewRouter builds a Router over the given config.
func NewRouter(cfg *config.Config) *Router {
	return &Router{cfg: cfg}
}

// Route resolves the agent and session keys for an inbound conversation.
// Bindings are evaluated in a fixed priority list; the first binding that
// matches at the highest-priority kind wins. A binding carrying a peer
// clause only matches when that peer matches; it never degrades to a
// guild- or team-wide match.
func (r *Router) Route(in RouteInput) (*RouteResult, error) {
	channel := normalizeChannel(in.Channel)
	accountID := NormalizeAccountID(in.AccountID)
	peer := Peer{Kind: NormalizePeerKind(in.Peer.Kind), ID: strings.TrimSpace(in.Peer.ID)}

	agentID, matchedBy := r.resolveAgent(channel, accountID, peer, in)
	if override := strings.TrimSpace(in.AgentOverride); override != "" {
		normalized := NormalizeAgentID(override)
		if !r.cfg.HasAgent(normalized) {
			return nil, ErrInvalidAgent
		}
		agentID = normalized
		matchedBy = MatchedByDefault
	}

	base := r.baseSessionKey(agentID, channel, accountID, peer)
	sessionKey := ThreadKey(base, in.ThreadID)

	result := &RouteResult{
		AgentID:        agentID,
		AccountID:      accountID,
		SessionKey:     sessionKey,
		MainSessionKey: MainKey(agentID, r.cfg.Session.MainKey),
		MatchedBy:      matchedBy,
	}
	if in.ThreadID != "" {
		result.ParentSessionKey = base
	}
	return result, nil
}

func (r *Router) resolveAgent(channel, accountID string, peer Peer, in RouteInput) (string, string) {
	type candidate struct {
		agentID   string
		matchedBy string
	}
	var matches []candidate

	for _, binding := range r.cfg.Bindings {
		agentID := NormalizeAgentID(binding.AgentID)
		match := binding.Match

		if match.Channel != "" && !strings.EqualFold(match.Channel, channel) {
			continue
		}
		accountMatches := match.AccountID == "" || match.AccountID == "*" ||
			strings.EqualFold(NormalizeAccountID(match.AccountID), accountID)
		if !accountMatches {
			continue
		}
		// Guild and team clauses are filters like the channel clause: a
		// present-but-mismatching value disqualifies the binding outright,
		// even when its peer clause would match.
		if match.GuildID != "" && !strings.EqualFold(match.GuildID, in.GuildID) {
			continue
		}
		if match.TeamID != "" && !strings.EqualFold(match.TeamID, in.TeamID) {
			continue
		}

		peerMatched := false
		parentMatched := false
		if match.Peer != nil {
			peerMatched = peerEquals(*match.Peer, peer)
			if in.ParentPeer != nil {
				parent := Peer{Kind: NormalizePeerKind(in.ParentPeer.Kind), ID: strings.TrimSpace(in.ParentPeer.ID)}
				parentMatched = peerEquals(*match.Peer, parent)
			}
			// Peer clauses are strict: a mismatch disqualifies the
			// binding even when its guild or team clause would match.
			if !peerMatched && !parentMatched {
				continue
			}
		}

		switch {
		case match.Peer != nil && peerMatched:
			matches = append(matches, candidate{agentID, MatchedByPeer})
		case match.Peer != nil && parentMatched:
			matches = append(matches, candidate{agentID, MatchedByPeerParent})
		}

		if match.GuildID != "" {
			if len(match.Roles) > 0 {
				if hasAnyRole(match.Roles, in.RoleIDs) {
					matches = append(matches, candidate{agentID, MatchedByGuildRoles})
				}
			} else {
				matches = append(matches, candidate{agentID, MatchedByGuild})
			}
			continue
		}
		if match.TeamID != "" {
			matches = append(matches, candidate{agentID, MatchedByTeam})
			continue
		}
		if match.Peer == nil && match.GuildID == "" && match.TeamID == "" && match.Channel != "" {
			if match.AccountID == "*" {
				matches = append(matches, candidate{agentID, MatchedByChannel})
			} else if match.AccountID != "" {
				matches = append(matches, candidate{agentID, MatchedByAccount})
			}
		}
	}

	for _, kind := range []string{
		MatchedByPeer, MatchedByPeerParent, MatchedByGuildRoles,
		MatchedByGuild, MatchedByTeam, MatchedByAccount, MatchedByChannel,
	} {
		for _, m := range matches {
			if m.matchedBy == kind {
				return m.agentID, m.matchedBy
			}
		}
	}
	return NormalizeAgentID(r.cfg.DefaultAgentID()), MatchedByDefault
}

func (r *Router) baseSessionKey(agentID, channel, accountID string, peer Peer) string {
	switch peer.Kind {
	case "group", "channel":
		return GroupKey(agentID, channel, peer.Kind, peer.ID)
	default:
		peerID := peer.ID
		if linked := ResolveLinkedPeerID(r.cfg.Session.IdentityLinks, channel, peerID); linked != "" {
			peerID = linked
		}
		return DirectKey(agentID, channel, accountID, peerID, r.cfg.Session.DMScope)
	}
}

func peerEquals(want config.PeerMatch, got Peer) bool {
	return NormalizePeerKind(want.Kind) == got.Kind &&
		strings.EqualFold(strings.TrimSpace(want.ID), got.ID)
}

func hasAnyRole(wanted, held []string) bool {
	if len(wanted) == 0 || len(held) == 0 {
		return false
	}
	set := make(map[string]bool, len(held))
	for _, id := range held {
		set[strings.ToLower(strings.TrimSpace(id))] = true
	}
	for _, id := range wanted {
		if set[strings.ToLower(strings.TrimSpace(id))] {
			return true
		}
	}
	return false
}
