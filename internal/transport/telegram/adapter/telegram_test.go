package adapter

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	kit "investi/internal/transport"
	"investi/pkg/logx"
)

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("empty token accepted")
	}
}

func TestChunkTextPacksLines(t *testing.T) {
	if got := chunkText("short", 10, false); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short = %q", got)
	}

	line := strings.Repeat("é", 6)
	text := strings.Join([]string{line, line, line, line}, "\n")
	got := chunkText(text, 15, false)
	if len(got) != 2 || got[0] != line+"\n"+line || got[1] != line+"\n"+line {
		t.Fatalf("chunks = %q", got)
	}
	for _, c := range got {
		if utf8.RuneCountInString(c) > 15 {
			t.Fatalf("chunk over limit: %q", c)
		}
	}
}

func TestChunkTextLongLine(t *testing.T) {
	tests := []struct {
		name string
		in   string
		html bool
		want []string
	}{
		{"prefers spaces", "aaaa bbbb cccc", false, []string{"aaaa bbbb ", "cccc"}},
		{"hard cut", "abcdefghijkl", false, []string{"abcdefghij", "kl"}},
		{"keeps tags whole", "aaaaaaaa<b>bold</b>", true, []string{"aaaaaaaa", "<b>bold", "</b>"}},
		{"keeps entities whole", "aaaaaaa&amp;b", true, []string{"aaaaaaa", "&amp;b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chunkText(tt.in, 10, tt.html)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Fatalf("chunks = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	if err := classify(fmt.Errorf("send: %w", tele.ErrBlockedByUser)); !errors.Is(err, kit.ErrRecipientGone) {
		t.Fatalf("blocked = %v", err)
	}
	var ra *kit.RetryAfterError
	if err := classify(tele.FloodError{RetryAfter: 3}); !errors.As(err, &ra) || ra.After != 3*time.Second {
		t.Fatalf("flood = %#v", err)
	}
	plain := errors.New("boom")
	if err := classify(plain); err != plain {
		t.Fatalf("plain = %v", err)
	}
}

func TestMenuListLimits(t *testing.T) {
	cmds := make([]kit.BotCommand, 0, 120)
	cmds = append(cmds, kit.BotCommand{}, kit.BotCommand{Command: "status"})
	for i := 0; i < 118; i++ {
		cmds = append(cmds, kit.BotCommand{Command: fmt.Sprintf("c%d", i), Description: strings.Repeat("x", 300)})
	}
	list, sum := menuList(cmds)
	if len(list) != 100 || list[0].Description != "status" || len(list[1].Description) != 256 {
		t.Fatalf("list = %d items, first %+v", len(list), list[0])
	}
	if _, again := menuList(cmds); again != sum {
		t.Fatal("fingerprint not stable")
	}
}
