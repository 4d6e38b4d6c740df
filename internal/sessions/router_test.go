package sessions

import (
	"errors"
	"testing"

	"github.com/relayhq/relay/internal/config"
)

func routerWith(bindings []config.Binding, agents ...string) *Router {
	cfg := &config.Config{Bindings: bindings}
	for i, id := range agents {
		cfg.Agents.List = append(cfg.Agents.List, config.AgentEntry{ID: id, Default: i == 0})
	}
	return NewRouter(cfg)
}

func TestRouteDefaultAgent(t *testing.T) {
	r := routerWith(nil)
	res, err := r.Route(RouteInput{Channel: "telegram", Peer: Peer{Kind: "direct", ID: "u1"}})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.AgentID != "main" || res.MatchedBy != MatchedByDefault {
		t.Errorf("got agent %q matchedBy %q", res.AgentID, res.MatchedBy)
	}
	if res.SessionKey != "agent:main:direct:u1" {
		t.Errorf("sessionKey = %q", res.SessionKey)
	}
	if res.MainSessionKey != "agent:main:main" {
		t.Errorf("mainSessionKey = %q", res.MainSessionKey)
	}
}

func TestRouteGuildRolesBeatsGuild(t *testing.T) {
	bindings := []config.Binding{
		{AgentID: "opus", Match: config.BindingMatch{Channel: "discord", GuildID: "g1", Roles: []string{"r1"}}},
		{AgentID: "sonnet", Match: config.BindingMatch{Channel: "discord", GuildID: "g1"}},
	}
	r := routerWith(bindings, "opus", "sonnet")

	res, err := r.Route(RouteInput{
		Channel: "discord",
		GuildID: "g1",
		RoleIDs: []string{"r1"},
		Peer:    Peer{Kind: "channel", ID: "c1"},
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.AgentID != "opus" || res.MatchedBy != MatchedByGuildRoles {
		t.Errorf("got agent %q matchedBy %q, want opus via %s", res.AgentID, res.MatchedBy, MatchedByGuildRoles)
	}

	// Without the role the guild-only binding wins.
	res, err = r.Route(RouteInput{
		Channel: "discord",
		GuildID: "g1",
		Peer:    Peer{Kind: "channel", ID: "c1"},
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.AgentID != "sonnet" || res.MatchedBy != MatchedByGuild {
		t.Errorf("got agent %q matchedBy %q, want sonnet via %s", res.AgentID, res.MatchedBy, MatchedByGuild)
	}
}

func TestRoutePeerMismatchNeverDemotesToGuild(t *testing.T) {
	bindings := []config.Binding{
		{AgentID: "opus", Match: config.BindingMatch{
			Channel: "discord",
			GuildID: "g1",
			Peer:    &config.PeerMatch{Kind: "channel", ID: "c1"},
		}},
	}
	r := routerWith(bindings, "opus")

	res, err := r.Route(RouteInput{
		Channel: "discord",
		GuildID: "g1",
		Peer:    Peer{Kind: "channel", ID: "c2"},
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.AgentID != "opus" || res.MatchedBy != MatchedByDefault {
		t.Errorf("peer mismatch must fall to default, got agent %q via %q", res.AgentID, res.MatchedBy)
	}
}

func TestRouteGuildMismatchDisqualifiesPeerBinding(t *testing.T) {
	bindings := []config.Binding{
		{AgentID: "opus", Match: config.BindingMatch{
			Channel: "discord",
			GuildID: "g1",
			Peer:    &config.PeerMatch{Kind: "channel", ID: "c1"},
		}},
	}
	r := routerWith(bindings, "opus")

	// Same channel id in a different guild must not match on the peer.
	res, err := r.Route(RouteInput{
		Channel: "discord",
		GuildID: "g2",
		Peer:    Peer{Kind: "channel", ID: "c1"},
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.MatchedBy != MatchedByDefault {
		t.Errorf("guild mismatch must fall to default, got %q via %q", res.AgentID, res.MatchedBy)
	}

	res, err = r.Route(RouteInput{
		Channel: "discord",
		GuildID: "g1",
		Peer:    Peer{Kind: "channel", ID: "c1"},
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.AgentID != "opus" || res.MatchedBy != MatchedByPeer {
		t.Errorf("both clauses match, got %q via %q, want opus via %s", res.AgentID, res.MatchedBy, MatchedByPeer)
	}
}

func TestRouteTeamMismatchDisqualifiesPeerBinding(t *testing.T) {
	bindings := []config.Binding{
		{AgentID: "opus", Match: config.BindingMatch{
			Channel: "mattermost",
			TeamID:  "t1",
			Peer:    &config.PeerMatch{Kind: "channel", ID: "town-square"},
		}},
	}
	r := routerWith(bindings, "opus")

	res, err := r.Route(RouteInput{
		Channel: "mattermost",
		TeamID:  "t2",
		Peer:    Peer{Kind: "channel", ID: "town-square"},
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.MatchedBy != MatchedByDefault {
		t.Errorf("team mismatch must fall to default, got %q via %q", res.AgentID, res.MatchedBy)
	}
}

func TestRoutePeerParent(t *testing.T) {
	bindings := []config.Binding{
		{AgentID: "opus", Match: config.BindingMatch{
			Channel: "discord",
			Peer:    &config.PeerMatch{Kind: "channel", ID: "c1"},
		}},
	}
	r := routerWith(bindings, "opus")

	res, err := r.Route(RouteInput{
		Channel:    "discord",
		Peer:       Peer{Kind: "channel", ID: "thread-9"},
		ParentPeer: &Peer{Kind: "channel", ID: "c1"},
		ThreadID:   "thread-9",
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.MatchedBy != MatchedByPeerParent {
		t.Errorf("matchedBy = %q, want %s", res.MatchedBy, MatchedByPeerParent)
	}
	if res.ParentSessionKey != "agent:opus:discord:channel:thread-9" {
		t.Errorf("parentSessionKey = %q", res.ParentSessionKey)
	}
	if res.SessionKey != res.ParentSessionKey+":topic:thread-9" {
		t.Errorf("sessionKey = %q", res.SessionKey)
	}
}

func TestRouteAccountAndChannelBindings(t *testing.T) {
	bindings := []config.Binding{
		{AgentID: "anyacct", Match: config.BindingMatch{Channel: "telegram", AccountID: "*"}},
		{AgentID: "workbot", Match: config.BindingMatch{Channel: "telegram", AccountID: "work"}},
	}
	r := routerWith(bindings, "anyacct", "workbot")

	res, err := r.Route(RouteInput{Channel: "telegram", AccountID: "work", Peer: Peer{Kind: "direct", ID: "u1"}})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.AgentID != "workbot" || res.MatchedBy != MatchedByAccount {
		t.Errorf("got agent %q via %q, want workbot via %s", res.AgentID, res.MatchedBy, MatchedByAccount)
	}

	res, err = r.Route(RouteInput{Channel: "telegram", AccountID: "personal", Peer: Peer{Kind: "direct", ID: "u1"}})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.AgentID != "anyacct" || res.MatchedBy != MatchedByChannel {
		t.Errorf("got agent %q via %q, want anyacct via %s", res.AgentID, res.MatchedBy, MatchedByChannel)
	}
}

func TestRouteLegacyDMKind(t *testing.T) {
	bindings := []config.Binding{
		{AgentID: "opus", Match: config.BindingMatch{
			Channel: "telegram",
			Peer:    &config.PeerMatch{Kind: "dm", ID: "u1"},
		}},
	}
	r := routerWith(bindings, "opus")

	res, err := r.Route(RouteInput{Channel: "telegram", Peer: Peer{Kind: "direct", ID: "u1"}})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.AgentID != "opus" || res.MatchedBy != MatchedByPeer {
		t.Errorf("legacy dm kind should match direct peer, got %q via %q", res.AgentID, res.MatchedBy)
	}
}

func TestRouteIdentityLinks(t *testing.T) {
	cfg := &config.Config{
		Session: config.SessionConfig{
			IdentityLinks: map[string][]string{"alice": {"telegram:12345"}},
		},
	}
	r := NewRouter(cfg)
	res, err := r.Route(RouteInput{Channel: "telegram", Peer: Peer{Kind: "direct", ID: "12345"}})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.SessionKey != "agent:main:direct:alice" {
		t.Errorf("sessionKey = %q, want linked alias", res.SessionKey)
	}
}

func TestRouteAgentOverride(t *testing.T) {
	r := routerWith(nil, "main", "opus")

	res, err := r.Route(RouteInput{
		Channel:       "telegram",
		Peer:          Peer{Kind: "direct", ID: "u1"},
		AgentOverride: "opus",
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.AgentID != "opus" {
		t.Errorf("override agent = %q", res.AgentID)
	}

	_, err = r.Route(RouteInput{
		Channel:       "telegram",
		Peer:          Peer{Kind: "direct", ID: "u1"},
		AgentOverride: "ghost",
	})
	if !errors.Is(err, ErrInvalidAgent) {
		t.Errorf("unknown override error = %v, want ErrInvalidAgent", err)
	}
}
