package natskv

import (
	"context"
	"os"
	"testing"
	"time"

	natsadapter "github.com/Strob0t/runstream/internal/adapter/nats"
	"github.com/Strob0t/runstream/internal/port/cache/cachetest"
)

func TestKey(t *testing.T) {
	tests := map[string]string{
		"run.42":         "run.42",
		"list:agent:7":   "list_agent_7",
		"run.with space": "run.with_space",
		".leading.":      "leading",
		"":               "_",
	}
	for in, want := range tests {
		if got := Key(in); got != want {
			t.Errorf("Key(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCompliance(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	ctx := context.Background()
	q, err := natsadapter.Connect(ctx, url, "runstream-test")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	kv, err := q.KeyValue(ctx, "RUNSTREAM_TEST_KV", time.Minute)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}
	cachetest.RunComplianceTests(t, New(kv))
}
