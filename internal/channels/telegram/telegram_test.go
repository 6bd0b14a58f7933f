package telegram

import (
	"strings"
	"testing"
)

func TestChatIDFromAddress(t *testing.T) {
	got, err := chatIDFromAddress("channel:telegram:123456")
	if err != nil {
		t.Fatalf("chatIDFromAddress: %v", err)
	}
	if got != "123456" {
		t.Fatalf("got %q, want %q", got, "123456")
	}
}

func TestChatIDFromAddress_WrongPrefix(t *testing.T) {
	if _, err := chatIDFromAddress("channel:discord:123456"); err == nil {
		t.Fatalf("expected error for non-telegram address")
	}
}

func TestChunkText_ShortTextUnchanged(t *testing.T) {
	got := chunkText("hello", 4096)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v, want [hello]", got)
	}
}

func TestChunkText_SplitsOnNewlineNearLimit(t *testing.T) {
	line := strings.Repeat("a", 10) + "\n"
	text := strings.Repeat(line, 500) // well over maxLen
	chunks := chunkText(text, 100)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	var rebuilt strings.Builder
	for _, c := range chunks {
		if len(c) > 100 {
			t.Fatalf("chunk exceeds max length: %d", len(c))
		}
		rebuilt.WriteString(c)
	}
	if rebuilt.String() != text {
		t.Fatalf("chunks do not reconstruct original text")
	}
}

func TestChunkText_HardCutWhenNoNewline(t *testing.T) {
	text := strings.Repeat("x", 250)
	chunks := chunkText(text, 100)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[0] != strings.Repeat("x", 100) {
		t.Fatalf("first chunk not hard-cut at max length")
	}
}
