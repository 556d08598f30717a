package consumer

import (
	"context"
	"errors"
	"testing"

	"replayvault/internal/domain"
)

func meta(partition int32, offset int64) domain.MessageMetadata {
	return domain.MessageMetadata{Topic: "snap", Partition: partition, Offset: offset, TimestampMs: 1000}
}

func TestParseEnvelopeValidSnapshotBatch(t *testing.T) {
	raw := []byte(`{"team_id":7,"distinct_id":"d1","data":"{\"event\":\"$snapshot_items\",\"properties\":{\"$snapshot_items\":[{\"a\":1},{\"a\":2}],\"$session_id\":\"s1\",\"$window_id\":\"w1\"}}"}`)

	msg, cause, err := parseEnvelope(context.Background(), raw, meta(0, 10), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cause != "" {
		t.Fatalf("expected no drop cause, got %q", cause)
	}
	if msg.TeamID != 7 || msg.SessionID != "s1" || msg.WindowID != "w1" || msg.DistinctID != "d1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if len(msg.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(msg.Events))
	}
}

func TestParseEnvelopeRejectsBadJSON(t *testing.T) {
	_, cause, err := parseEnvelope(context.Background(), []byte("not json"), meta(0, 1), nil)
	if err != nil {
		t.Fatalf("expected no hard error, got %v", err)
	}
	if cause != domain.DropEnvelopeInvalid {
		t.Fatalf("expected envelope_invalid, got %q", cause)
	}
}

func TestParseEnvelopeRejectsNonSnapshotEvent(t *testing.T) {
	raw := []byte(`{"team_id":7,"data":"{\"event\":\"other\",\"properties\":{\"$session_id\":\"s1\"}}"}`)
	_, cause, err := parseEnvelope(context.Background(), raw, meta(0, 1), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cause != domain.DropNotSnapshotBatch {
		t.Fatalf("expected not_snapshot_batch, got %q", cause)
	}
}

func TestParseEnvelopeRejectsEmptySnapshotItems(t *testing.T) {
	raw := []byte(`{"team_id":7,"data":"{\"event\":\"$snapshot_items\",\"properties\":{\"$snapshot_items\":[],\"$session_id\":\"s1\"}}"}`)
	_, cause, err := parseEnvelope(context.Background(), raw, meta(0, 1), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cause != domain.DropEmptySnapshotItems {
		t.Fatalf("expected empty_snapshot_items, got %q", cause)
	}
}

func TestParseEnvelopeResolvesTokenToTeamID(t *testing.T) {
	raw := []byte(`{"token":"tok-1","data":"{\"event\":\"$snapshot_items\",\"properties\":{\"$snapshot_items\":[{\"a\":1}],\"$session_id\":\"s1\"}}"}`)

	resolve := func(ctx context.Context, token string) (int64, bool, error) {
		if token == "tok-1" {
			return 42, true, nil
		}
		return 0, false, nil
	}

	msg, cause, err := parseEnvelope(context.Background(), raw, meta(0, 1), resolve)
	if err != nil || cause != "" {
		t.Fatalf("expected success, got cause=%q err=%v", cause, err)
	}
	if msg.TeamID != 42 {
		t.Fatalf("expected team id 42, got %d", msg.TeamID)
	}
}

func TestParseEnvelopeUnknownTokenDropsAsTeamUnknown(t *testing.T) {
	raw := []byte(`{"token":"tok-missing","data":"{\"event\":\"$snapshot_items\",\"properties\":{\"$snapshot_items\":[{\"a\":1}],\"$session_id\":\"s1\"}}"}`)
	resolve := func(ctx context.Context, token string) (int64, bool, error) { return 0, false, nil }

	_, cause, err := parseEnvelope(context.Background(), raw, meta(0, 1), resolve)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cause != domain.DropTeamUnknown {
		t.Fatalf("expected team_unknown, got %q", cause)
	}
}

func TestParseEnvelopePropagatesTeamResolverError(t *testing.T) {
	raw := []byte(`{"token":"tok-1","data":"{}"}`)
	wantErr := errors.New("token table unavailable")
	resolve := func(ctx context.Context, token string) (int64, bool, error) { return 0, false, wantErr }

	_, _, err := parseEnvelope(context.Background(), raw, meta(0, 1), resolve)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected propagated resolver error, got %v", err)
	}
}

func TestParseEnvelopeMissingTeamAndTokenIsInvalid(t *testing.T) {
	raw := []byte(`{"data":"{}"}`)
	_, cause, err := parseEnvelope(context.Background(), raw, meta(0, 1), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cause != domain.DropEnvelopeInvalid {
		t.Fatalf("expected envelope_invalid, got %q", cause)
	}
}
