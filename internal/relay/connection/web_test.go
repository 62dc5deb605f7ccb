package connection

import (
	"net/url"
	"testing"
	"time"
)

func TestParseUIDFromCookie(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
		want   int64
	}{
		{"present", "SESSDATA=abc; DedeUserID=12345; buvid3=xyz", 12345},
		{"absent", "SESSDATA=abc", 0},
		{"malformed", "DedeUserID=notanumber", 0},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseUIDFromCookie(tt.cookie); got != tt.want {
				t.Errorf("parseUIDFromCookie() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCookieField(t *testing.T) {
	cookie := "SESSDATA=abc; buvid3=xyz-123; DedeUserID=1"
	if got := cookieField(cookie, "buvid3"); got != "xyz-123" {
		t.Errorf("cookieField(buvid3) = %q", got)
	}
	if got := cookieField(cookie, "missing"); got != "" {
		t.Errorf("cookieField(missing) = %q, want empty", got)
	}
}

func TestWbiMixinKey(t *testing.T) {
	// 64 字节输入按打乱表取前 32 位
	raw := "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ+/"
	key := wbiMixinKey(raw)
	if len(key) != 32 {
		t.Fatalf("len = %d, want 32", len(key))
	}
	// 打乱表首位是 46
	if key[0] != raw[46] {
		t.Errorf("key[0] = %c, want %c", key[0], raw[46])
	}
}

func TestSignWbiParams(t *testing.T) {
	now := time.Unix(1700000000, 0)
	params := url.Values{"id": {"1000"}, "type": {"0"}}
	signed := signWbiParams(params, "abcdef0123456789abcdef0123456789", now)

	if signed.Get("wts") != "1700000000" {
		t.Errorf("wts = %q", signed.Get("wts"))
	}
	rid := signed.Get("w_rid")
	if len(rid) != 32 {
		t.Errorf("w_rid = %q, want 32 hex chars", rid)
	}

	again := signWbiParams(url.Values{"id": {"1000"}, "type": {"0"}}, "abcdef0123456789abcdef0123456789", now)
	if again.Get("w_rid") != rid {
		t.Error("signature should be deterministic for identical input")
	}

	other := signWbiParams(url.Values{"id": {"1001"}, "type": {"0"}}, "abcdef0123456789abcdef0123456789", now)
	if other.Get("w_rid") == rid {
		t.Error("different params should sign differently")
	}
}

func TestStripWbiChars(t *testing.T) {
	if got := stripWbiChars("a!b'c(d)e*f"); got != "abcdef" {
		t.Errorf("stripWbiChars() = %q", got)
	}
}

func TestWbiKeyFromURL(t *testing.T) {
	got := wbiKeyFromURL("https://i0.hdslb.com/bfs/wbi/7cd084941338484aae1ad9425b84077c.png")
	if got != "7cd084941338484aae1ad9425b84077c" {
		t.Errorf("wbiKeyFromURL() = %q", got)
	}
}
