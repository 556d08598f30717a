package realtimecache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"replayvault/internal/domain"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "6379")
	return redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
}

func TestPushThenTailReturnsFragmentsOldestFirst(t *testing.T) {
	rdb := newTestRedis(t)
	c := New(rdb, "rv-test", 3, time.Minute)
	ctx := context.Background()
	key := domain.SessionKey{TeamID: 1, SessionID: "sess-a"}

	for i, frag := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		if err := c.Push(ctx, key, frag, i+1); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	tail, err := c.Tail(ctx, key, 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(tail))
	}
	if string(tail[0]) != "a" || string(tail[2]) != "c" {
		t.Fatalf("expected oldest-first order, got %v", tail)
	}
}

func TestPushTrimsToMaxLen(t *testing.T) {
	rdb := newTestRedis(t)
	c := New(rdb, "rv-test", 2, time.Minute)
	ctx := context.Background()
	key := domain.SessionKey{TeamID: 1, SessionID: "sess-b"}

	for i, frag := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		if err := c.Push(ctx, key, frag, i+1); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	tail, err := c.Tail(ctx, key, 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("expected list trimmed to maxLen=2, got %d", len(tail))
	}
	if string(tail[0]) != "b" || string(tail[1]) != "c" {
		t.Fatalf("expected the two most recent fragments, got %v", tail)
	}
}

func TestSubscribeReceivesActivityPublishedByPush(t *testing.T) {
	rdb := newTestRedis(t)
	c := New(rdb, "rv-test", 10, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	activity, closeFn, err := c.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer closeFn()

	key := domain.SessionKey{TeamID: 42, SessionID: "sess-c"}
	if err := c.Push(ctx, key, []byte("fragment"), 5); err != nil {
		t.Fatalf("push: %v", err)
	}

	select {
	case a := <-activity:
		if a.TeamID != 42 || a.SessionID != "sess-c" || a.EventCount != 5 {
			t.Fatalf("unexpected activity: %+v", a)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for activity notification")
	}
}
