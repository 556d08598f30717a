package replayevents

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"

	"replayvault/internal/domain"
)

type fakeMarker struct {
	mu      sync.Mutex
	marks   map[string]int64
	isBelow func(logicalKey string, offset int64) bool
}

func newFakeMarker() *fakeMarker {
	return &fakeMarker{marks: make(map[string]int64)}
}

func (f *fakeMarker) IsBelow(ctx context.Context, pk domain.PartitionKey, logicalKey string, offset int64) (bool, error) {
	if f.isBelow != nil {
		return f.isBelow(logicalKey, offset), nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return offset <= f.marks[logicalKey], nil
}

func (f *fakeMarker) Add(ctx context.Context, pk domain.PartitionKey, logicalKey string, offset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset > f.marks[logicalKey] {
		f.marks[logicalKey] = offset
	}
	return nil
}

func TestConsumeBatchSkipsDuplicatesBelowMark(t *testing.T) {
	marker := newFakeMarker()
	marker.marks["b#replay_events"] = 50

	msgs := []domain.IncomingMessage{
		{TeamID: 1, SessionID: "b", Events: [][]byte{[]byte("x")}, Metadata: domain.MessageMetadata{Topic: "snap", Partition: 0, Offset: 48}},
		{TeamID: 1, SessionID: "b", Events: [][]byte{[]byte("x")}, Metadata: domain.MessageMetadata{Topic: "snap", Partition: 0, Offset: 49}},
	}

	// A nil client is never reached when every message is filtered; any
	// message that slipped past the gate would make ProduceSync panic.
	g := New(nil, "replay_events", marker)
	if err := g.ConsumeBatch(context.Background(), msgs); err != nil {
		t.Fatalf("consume batch: %v", err)
	}
	if got := marker.marks["b#replay_events"]; got != 50 {
		t.Fatalf("expected all messages at/below mark to be filtered and the mark left at 50, got %d", got)
	}
}

func TestConsumeBatchContainerIntegrationProducesAndAdvancesMark(t *testing.T) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd:          []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M", "--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "9092")
	broker := fmt.Sprintf("%s:%s", host, port.Port())

	client, err := kgo.NewClient(kgo.SeedBrokers(broker), kgo.DefaultProduceTopic("replay_events"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()

	marker := newFakeMarker()
	g := New(client, "replay_events", marker)

	msgs := []domain.IncomingMessage{
		{TeamID: 1, SessionID: "a", DistinctID: "d1", WindowID: "w1", Events: [][]byte{[]byte("x"), []byte("y")}, Metadata: domain.MessageMetadata{Topic: "snap", Partition: 0, Offset: 10, TimestampMs: 1000}},
	}
	if err := g.ConsumeBatch(ctx, msgs); err != nil {
		t.Fatalf("consume batch: %v", err)
	}

	marker.mu.Lock()
	mark := marker.marks["a#replay_events"]
	marker.mu.Unlock()
	if mark != 10 {
		t.Fatalf("expected high water mark advanced to 10, got %d", mark)
	}

	consumer, err := kgo.NewClient(kgo.SeedBrokers(broker), kgo.ConsumeTopics("replay_events"), kgo.ConsumerGroup("it-replay"))
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	defer consumer.Close()

	fetchCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()
	fetches := consumer.PollFetches(fetchCtx)
	if fetches.Empty() {
		t.Fatalf("expected to observe the produced replay event record")
	}
}
