package audit

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"claimcare/internal/config"
	"claimcare/internal/models"
	"claimcare/internal/redis"
)

func newRedisNotifier(t *testing.T) (*Notifier, func()) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed notifier tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	appCfg := &config.Config{Redis: config.RedisConfig{Host: host, Port: port}}
	client, err := redis.NewClient(appCfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	return NewNotifier(client, nil), func() { client.Close() }
}

func TestNotifierRoundTrip(t *testing.T) {
	n, cleanup := newRedisNotifier(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updates := n.SubscribeStatus(ctx, "aud-notify")
	// Give the subscription a moment to establish before publishing.
	time.Sleep(100 * time.Millisecond)
	n.PublishStatus(ctx, "aud-notify", models.AuditStatusPaid)

	select {
	case status, ok := <-updates:
		if !ok {
			t.Fatal("subscription closed before delivering")
		}
		if status != models.AuditStatusPaid {
			t.Fatalf("status = %q, want paid", status)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for status notification")
	}
}

func TestNotifierScopedPerAudit(t *testing.T) {
	n, cleanup := newRedisNotifier(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	updates := n.SubscribeStatus(ctx, "aud-a")
	time.Sleep(100 * time.Millisecond)
	n.PublishStatus(ctx, "aud-b", models.AuditStatusPaid)

	select {
	case status, ok := <-updates:
		if ok {
			t.Fatalf("received %q for a different audit", status)
		}
	case <-ctx.Done():
		// No delivery within the window is the expected outcome.
	}
}

func TestNotifierNilClientIsNoop(t *testing.T) {
	var n *Notifier
	n.PublishStatus(context.Background(), "aud-x", models.AuditStatusPaid)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := n.SubscribeStatus(ctx, "aud-x")
	if _, ok := <-updates; ok {
		t.Fatal("nil notifier should return a closed channel")
	}
}
