package address

import (
	"testing"

	"github.com/nextlevelbuilder/hiboss/internal/hiberr"
)

func TestParse_Agent(t *testing.T) {
	a, err := Parse("agent:scout")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !a.IsAgent() || a.Name != "scout" {
		t.Fatalf("got %+v, want agent %q", a, "scout")
	}
	if a.Format() != "agent:scout" {
		t.Fatalf("Format() = %q, want %q", a.Format(), "agent:scout")
	}
}

func TestParse_Channel(t *testing.T) {
	a, err := Parse("channel:telegram:12345")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !a.IsChannel() || a.Adapter != "telegram" || a.ChatID != "12345" {
		t.Fatalf("got %+v, want channel telegram/12345", a)
	}
	if a.Format() != "channel:telegram:12345" {
		t.Fatalf("Format() = %q, want %q", a.Format(), "channel:telegram:12345")
	}
}

func TestParse_ChannelChatIDMayContainColons(t *testing.T) {
	a, err := Parse("channel:discord:guild:123:channel:456")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.Adapter != "discord" || a.ChatID != "guild:123:channel:456" {
		t.Fatalf("got %+v, want adapter=discord chatID=guild:123:channel:456", a)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []string{
		"",
		"agent:",
		"channel:",
		"channel:telegram:",
		"channel::12345",
		"bogus:thing",
	}
	for _, s := range cases {
		if _, err := Parse(s); !hiberr.Is(err, hiberr.InvalidInput) {
			t.Fatalf("Parse(%q): err = %v, want InvalidInput", s, err)
		}
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	addrs := []Address{
		AgentAddress("scout"),
		ChannelAddress("telegram", "12345"),
		ChannelAddress("discord", "guild:1:chan:2"),
	}
	for _, a := range addrs {
		s := a.Format()
		got, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got != a {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, a)
		}
		if got.String() != s {
			t.Fatalf("String() = %q, want %q", got.String(), s)
		}
	}
}

func TestMustParse_PanicsOnInvalid(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("MustParse should have panicked on invalid input")
		}
	}()
	MustParse("nope")
}

func TestValidAgentName(t *testing.T) {
	valid := []string{"scout", "scout-2", "a", "a1-b2-c3"}
	for _, name := range valid {
		if !ValidAgentName(name) {
			t.Fatalf("ValidAgentName(%q) = false, want true", name)
		}
	}
	invalid := []string{"", "-scout", "scout-", "scout--2", "scout name", "scout_name", "background", "Background", "BACKGROUND"}
	for _, name := range invalid {
		if ValidAgentName(name) {
			t.Fatalf("ValidAgentName(%q) = true, want false", name)
		}
	}
}
