package projector

import (
	"context"
	"database/sql"
)

// ActiveClaim marks an event that set is_active on a stack. Claims decide
// which stack keeps the flag when a batch leaves more than one active.
type ActiveClaim struct {
	StackID string
	TS      string
	EventID string
}

// Winner picks the claim that wins activation: the latest by event
// timestamp, event id breaking ties. Returns "" for an empty slice.
func Winner(claims []ActiveClaim) string {
	winner := ""
	var best ActiveClaim
	for _, c := range claims {
		if winner == "" || c.TS > best.TS || (c.TS == best.TS && c.EventID > best.EventID) {
			best = c
			winner = c.StackID
		}
	}
	return winner
}

// reconcileActiveTx runs once per applied batch and restores the single
// active stack rule. Interleaved activations can leave several stacks
// flagged; the most recent claim whose stack is still active keeps the flag
// and the rest are cleared.
func (p Projector) reconcileActiveTx(ctx context.Context, tx *sql.Tx, claims []ActiveClaim) error {
	active, err := p.Repo.ActiveStacksTx(ctx, tx)
	if err != nil {
		return err
	}
	if len(active) <= 1 {
		return nil
	}
	stillActive := map[string]bool{}
	for _, s := range active {
		stillActive[s.ID] = true
	}
	live := claims[:0:0]
	for _, c := range claims {
		if stillActive[c.StackID] {
			live = append(live, c)
		}
	}
	winner := Winner(live)
	if winner == "" {
		// No claim survived; fall back to the most recently updated row so
		// the invariant still holds.
		best := active[0]
		for _, s := range active[1:] {
			if s.UpdatedAt > best.UpdatedAt || (s.UpdatedAt == best.UpdatedAt && s.ID > best.ID) {
				best = s
			}
		}
		winner = best.ID
	}
	return p.Repo.DeactivateOtherStacksTx(ctx, tx, winner)
}
