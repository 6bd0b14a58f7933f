// Package address parses and formats the two address shapes an envelope can
// carry — agent:<name> and channel:<adapter>:<chat-id> — and the several
// deliver-at input dialects the Router accepts.
package address

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/hiboss/internal/hiberr"
)

// Kind distinguishes the two address shapes.
type Kind int

const (
	Agent Kind = iota
	Channel
)

// Address is the tagged value agents and channels are addressed by.
type Address struct {
	Kind    Kind
	Name    string // agent name, when Kind == Agent
	Adapter string // adapter type, when Kind == Channel
	ChatID  string // chat id, when Kind == Channel
}

var agentNameRE = regexp.MustCompile(`^[A-Za-z0-9]+(?:-[A-Za-z0-9]+)*$`)

// ReservedAgentName is the one agent name the daemon refuses to register.
const ReservedAgentName = "background"

// ValidAgentName reports whether name is a legal, non-reserved agent name.
func ValidAgentName(name string) bool {
	if strings.EqualFold(name, ReservedAgentName) {
		return false
	}
	return agentNameRE.MatchString(name)
}

// AgentAddress builds an agent: address.
func AgentAddress(name string) Address {
	return Address{Kind: Agent, Name: name}
}

// ChannelAddress builds a channel: address.
func ChannelAddress(adapter, chatID string) Address {
	return Address{Kind: Channel, Adapter: adapter, ChatID: chatID}
}

// Format renders an Address back to its wire form. Format(Parse(s)) == s for
// any valid s (the round-trip property from spec §8).
func (a Address) Format() string {
	switch a.Kind {
	case Agent:
		return "agent:" + a.Name
	case Channel:
		return "channel:" + a.Adapter + ":" + a.ChatID
	default:
		return ""
	}
}

func (a Address) String() string { return a.Format() }

// IsAgent reports whether a addresses an agent.
func (a Address) IsAgent() bool { return a.Kind == Agent }

// IsChannel reports whether a addresses a channel.
func (a Address) IsChannel() bool { return a.Kind == Channel }

// Parse parses a tagged address string, returning an InvalidInput error on
// malformed input.
func Parse(s string) (Address, error) {
	switch {
	case strings.HasPrefix(s, "agent:"):
		name := strings.TrimPrefix(s, "agent:")
		if name == "" {
			return Address{}, hiberr.New(hiberr.InvalidInput, "empty agent name in address %q", s)
		}
		return AgentAddress(name), nil
	case strings.HasPrefix(s, "channel:"):
		rest := strings.TrimPrefix(s, "channel:")
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Address{}, hiberr.New(hiberr.InvalidInput, "malformed channel address %q", s)
		}
		return ChannelAddress(parts[0], parts[1]), nil
	default:
		return Address{}, hiberr.New(hiberr.InvalidInput, "address %q has no recognized tag", s)
	}
}

// MustParse parses s, panicking on error. Only meant for tests and
// compile-time-known constants.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("address: MustParse(%q): %v", s, err))
	}
	return a
}
