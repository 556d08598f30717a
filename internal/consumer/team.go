package consumer

import (
	"context"

	"replayvault/internal/refresher"
)

// TokenTableLoader loads the full token -> team_id table from its backing
// store (e.g. the product's team/token API). It is supplied by the caller
// that wires up a Consumer; this package only knows how to refresh and
// query it.
type TokenTableLoader func(ctx context.Context) (map[string]int64, error)

// TeamResolver resolves an opaque token to a team_id via a
// refresher.Refresher, so a transient failure of the backing table never
// blocks ingestion: the last-known table is used until a refresh succeeds
// again (spec.md §4.C, scenario S6).
type TeamResolver struct {
	table *refresher.Refresher[map[string]int64]
}

// NewTeamResolver wraps an already-constructed refresher.Refresher. Callers
// build the refresher with refresher.New(interval, load, onError) in
// cmd/replayvaultd, keeping the loader/interval/onError wiring in one
// place.
func NewTeamResolver(table *refresher.Refresher[map[string]int64]) *TeamResolver {
	return &TeamResolver{table: table}
}

// Resolve looks up token in the current token table, refreshing it in the
// background if stale.
func (t *TeamResolver) Resolve(ctx context.Context, token string) (int64, bool, error) {
	table, err := t.table.Get(ctx)
	if err != nil {
		return 0, false, err
	}
	teamID, ok := table[token]
	return teamID, ok, nil
}
