package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"vtu-engine/internal/logging"
)

type plan struct {
	Code  string `json:"code"`
	Price int64  `json:"price"`
}

func TestSetJSONRequiresTTL(t *testing.T) {
	r := New(Config{Addr: "127.0.0.1:1"}, logging.Discard())
	t.Cleanup(func() { r.Close() })
	if err := r.SetJSON(context.Background(), "plans:data", []plan{{Code: "MTN-1GB"}}, 0); err == nil {
		t.Fatalf("expected error for entry without expiry")
	}
}

func TestJSONRoundTripAndCorruptEntries(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	prefix := "test:cache:" + time.Now().Format("150405.000000") + ":"
	r := New(Config{Addr: addr, Prefix: prefix}, logging.Discard())
	t.Cleanup(func() { r.Close() })
	ctx := context.Background()

	var got []plan
	if ok, err := r.GetJSON(ctx, "plans:data", &got); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	want := []plan{{Code: "MTN-1GB", Price: 300}}
	if err := r.SetJSON(ctx, "plans:data", want, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ok, err := r.GetJSON(ctx, "plans:data", &got); err != nil || !ok || len(got) != 1 || got[0] != want[0] {
		t.Fatalf("expected hit with %+v, got ok=%v err=%v %+v", want, ok, err, got)
	}
	if n, err := r.Client().Exists(ctx, prefix+"plans:data").Result(); err != nil || n != 1 {
		t.Fatalf("expected the key under its prefix, got %d %v", n, err)
	}

	if err := r.Client().Set(ctx, prefix+"plans:cable", "{broken", time.Minute).Err(); err != nil {
		t.Fatalf("seed corrupt entry: %v", err)
	}
	if ok, err := r.GetJSON(ctx, "plans:cable", &got); err != nil || ok {
		t.Fatalf("corrupt entry must read as a miss, got ok=%v err=%v", ok, err)
	}
	if n, _ := r.Client().Exists(ctx, prefix+"plans:cable").Result(); n != 0 {
		t.Fatalf("corrupt entry must be dropped")
	}
}
