package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/waitlist-coordinator/internal/config"
)

func TestEncodeDecodePayloadRoundTrip(t *testing.T) {
	hdr := http.Header{"Content-Type": []string{"text/html"}}
	body := []byte("<html>hi</html>")

	bs, err := encodePayload(http.StatusOK, hdr, body)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	status, gotHdr, gotBody, ok := decodePayload(bs)
	if !ok {
		t.Fatal("decode failed")
	}
	if status != http.StatusOK {
		t.Fatalf("status: %d", status)
	}
	if gotHdr.Get("Content-Type") != "text/html" {
		t.Fatalf("header: %v", gotHdr)
	}
	if string(gotBody) != string(body) {
		t.Fatalf("body: %q", gotBody)
	}
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	if _, _, _, ok := decodePayload([]byte("short")); ok {
		t.Fatal("expected decode failure on truncated payload")
	}
	if _, _, _, ok := decodePayload([]byte{0, 0, 0, 200, 0, 0, 0, 99, 'x'}); ok {
		t.Fatal("expected decode failure on bad header length")
	}
}

func TestCacheKeyDistinguishesQueries(t *testing.T) {
	cfg := config.CacheConfig{Prefix: "cache", KeyStrategy: "route_query"}
	e := echo.New()

	ctxFor := func(target string) echo.Context {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		c := e.NewContext(req, httptest.NewRecorder())
		c.SetPath("/party/new")
		return c
	}

	a := cacheKeyFrom(cfg, ctxFor("/party/new?x=1"))
	b := cacheKeyFrom(cfg, ctxFor("/party/new?x=2"))
	if a == b {
		t.Fatal("different queries must produce different keys")
	}

	cfg.KeyStrategy = "route"
	a = cacheKeyFrom(cfg, ctxFor("/party/new?x=1"))
	b = cacheKeyFrom(cfg, ctxFor("/party/new?x=2"))
	if a != b {
		t.Fatal("route strategy must ignore queries")
	}
}

func TestBuildRateKeyStrategies(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/party", nil)
	req.Header.Set("X-Real-Ip", "203.0.113.9")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/party")

	cfg := config.RateLimitConfig{Prefix: "rl", KeyStrategy: "ip_route"}
	key := buildRateKey(cfg, c)
	if key != "rl:ip:203.0.113.9:route:POST /party" {
		t.Fatalf("unexpected key: %q", key)
	}

	cfg.KeyStrategy = "ip"
	if got := buildRateKey(cfg, c); got != "rl:ip:203.0.113.9" {
		t.Fatalf("unexpected key: %q", got)
	}
}
