package consumer

import (
	"context"
	"encoding/json"
	"strings"

	"replayvault/internal/domain"
)

// rawEnvelope is the inbound topic envelope from spec.md §6:
// {team_id?, token?, distinct_id, data: JSON-string}.
type rawEnvelope struct {
	TeamID     *int64 `json:"team_id"`
	Token      string `json:"token"`
	DistinctID string `json:"distinct_id"`
	Data       string `json:"data"`
}

// innerPipelineEvent is the pipeline event carried inside the envelope's
// data field.
type innerPipelineEvent struct {
	Event      string `json:"event"`
	Properties struct {
		SnapshotItems []json.RawMessage `json:"$snapshot_items"`
		SessionID     string            `json:"$session_id"`
		WindowID      string            `json:"$window_id"`
	} `json:"properties"`
}

// teamResolver resolves an opaque token to a team_id, per spec.md §3: "an
// opaque token resolvable to team_id via C" (the BackgroundRefresher).
type teamResolver func(ctx context.Context, token string) (int64, bool, error)

// parseEnvelope decodes one raw Kafka record value into an IncomingMessage.
// On any deviation from spec.md §6's schema it returns a non-empty
// domain.DropCause and a zero IncomingMessage; callers must drop the
// message, count the cause, and continue without side effects.
func parseEnvelope(ctx context.Context, raw []byte, meta domain.MessageMetadata, resolveTeam teamResolver) (domain.IncomingMessage, domain.DropCause, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.IncomingMessage{}, domain.DropEnvelopeInvalid, nil
	}

	teamID, cause, err := resolveTeamID(ctx, env, resolveTeam)
	if cause != "" || err != nil {
		return domain.IncomingMessage{}, cause, err
	}

	var inner innerPipelineEvent
	if err := json.Unmarshal([]byte(env.Data), &inner); err != nil {
		return domain.IncomingMessage{}, domain.DropEnvelopeInvalid, nil
	}
	if inner.Event != domain.SnapshotBatchEventType {
		return domain.IncomingMessage{}, domain.DropNotSnapshotBatch, nil
	}
	if strings.TrimSpace(inner.Properties.SessionID) == "" {
		return domain.IncomingMessage{}, domain.DropEnvelopeInvalid, nil
	}
	if len(inner.Properties.SnapshotItems) == 0 {
		return domain.IncomingMessage{}, domain.DropEmptySnapshotItems, nil
	}

	events := make([][]byte, len(inner.Properties.SnapshotItems))
	for i, raw := range inner.Properties.SnapshotItems {
		events[i] = []byte(raw)
	}

	return domain.IncomingMessage{
		TeamID:     teamID,
		SessionID:  inner.Properties.SessionID,
		WindowID:   inner.Properties.WindowID,
		DistinctID: env.DistinctID,
		Events:     events,
		Metadata:   meta,
	}, "", nil
}

func resolveTeamID(ctx context.Context, env rawEnvelope, resolveTeam teamResolver) (int64, domain.DropCause, error) {
	if env.TeamID != nil {
		return *env.TeamID, "", nil
	}
	if strings.TrimSpace(env.Token) == "" {
		return 0, domain.DropEnvelopeInvalid, nil
	}
	if resolveTeam == nil {
		return 0, domain.DropTeamUnknown, nil
	}
	teamID, ok, err := resolveTeam(ctx, env.Token)
	if err != nil {
		return 0, "", err
	}
	if !ok {
		return 0, domain.DropTeamUnknown, nil
	}
	return teamID, "", nil
}
