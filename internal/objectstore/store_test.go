package objectstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"replayvault/internal/domain"
)

func TestKeyIsDeterministicAndNamespaced(t *testing.T) {
	meta := domain.ObjectMetadata{TeamID: 7, SessionID: "sess-x", Partition: 2, LowestOffset: 10, HighestOffset: 20}
	key := Key(meta, 1710000000000)
	want := "session_recordings/team_id=7/session_id=sess-x/partition=2/10-20-1710000000000.jsonl.gz"
	if key != want {
		t.Fatalf("expected %q, got %q", want, key)
	}
}

func newTestS3Client(t *testing.T) (*s3.Client, string) {
	t.Helper()
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "localstack/localstack:3.4",
		ExposedPorts: []string{"4566/tcp"},
		Env:          map[string]string{"SERVICES": "s3"},
		WaitingFor:   wait.ForListeningPort("4566/tcp"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "4566")
	endpoint := fmt.Sprintf("http://%s:%s", host, port.Port())

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		t.Fatalf("load aws config: %v", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	return client, "replayvault-test"
}

func TestUploadFileRoundTripsGzippedContent(t *testing.T) {
	client, bucket := newTestS3Client(t)
	ctx := context.Background()

	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Fatalf("create bucket: %v", err)
	}

	tmp, err := os.CreateTemp(t.TempDir(), "session-*.ndjson")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	content := []byte("{\"a\":1}\n{\"a\":2}\n")
	if _, err := tmp.Write(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}

	store := New(client, bucket)
	meta := domain.ObjectMetadata{TeamID: 1, SessionID: "sess-a", Partition: 0, LowestOffset: 0, HighestOffset: 1, EventCount: 2}
	key := Key(meta, 123)
	n, err := store.UploadFile(ctx, key, tmp.Name(), meta)
	if err != nil {
		t.Fatalf("upload file: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected non-zero compressed byte count")
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	defer out.Body.Close()

	if out.Metadata["team_id"] != "1" || out.Metadata["session_id"] != "sess-a" || out.Metadata["event_count"] != "2" {
		t.Fatalf("expected object metadata to carry team_id/session_id/event_count, got %+v", out.Metadata)
	}

	gz, err := gzip.NewReader(out.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer gz.Close()

	got, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read decompressed body: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("expected uploaded content to round-trip, got %q", got)
	}
}
