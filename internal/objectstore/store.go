// Package objectstore uploads finalized session buffers to durable
// object storage. It is the generalization of the teacher's dangling
// backup.s3.provider config field (always set to "aws-sdk-v2" but never
// wired to a client) into an actual component used by SessionManager's
// flush protocol.
package objectstore

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"replayvault/internal/domain"
)

// Store uploads compressed session files to an S3-compatible bucket.
type Store struct {
	uploader *manager.Uploader
	bucket   string
}

// New creates a Store. client may point at any S3-compatible endpoint
// (region/endpoint resolution happens when the caller builds client).
func New(client *s3.Client, bucket string) *Store {
	return &Store{
		uploader: manager.NewUploader(client),
		bucket:   bucket,
	}
}

// Key derives the deterministic object key for a flushed session, per
// spec.md §6's literal layout:
// session_recordings/team_id=<T>/session_id=<S>/partition=<P>/<lowest>-<highest>-<createdAt>.jsonl.gz
func Key(meta domain.ObjectMetadata, createdAtUnixMs int64) string {
	return fmt.Sprintf(
		"session_recordings/team_id=%d/session_id=%s/partition=%d/%d-%d-%d.jsonl.gz",
		meta.TeamID, meta.SessionID, meta.Partition,
		meta.LowestOffset, meta.HighestOffset, createdAtUnixMs,
	)
}

// UploadFile gzip-compresses the file at path on the fly and uploads it
// under key, returning the number of compressed bytes written. meta is
// attached as object metadata per spec.md §6: {team_id, session_id,
// lowest_offset, highest_offset, event_count}.
func (s *Store) UploadFile(ctx context.Context, key, path string, meta domain.ObjectMetadata) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open session file for upload: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	gz := gzip.NewWriter(pw)

	go func() {
		_, copyErr := io.Copy(gz, f)
		closeErr := gz.Close()
		if copyErr != nil {
			_ = pw.CloseWithError(copyErr)
			return
		}
		_ = pw.CloseWithError(closeErr)
	}()

	counter := &countingReader{r: pr}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        counter,
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"team_id":        strconv.FormatInt(meta.TeamID, 10),
			"session_id":     meta.SessionID,
			"lowest_offset":  strconv.FormatInt(meta.LowestOffset, 10),
			"highest_offset": strconv.FormatInt(meta.HighestOffset, 10),
			"event_count":    strconv.Itoa(meta.EventCount),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("upload session object: %w", err)
	}
	return counter.n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
