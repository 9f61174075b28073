package rollup

import (
	"context"
	"database/sql"
	"errors"

	"github.com/sirupsen/logrus"

	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/storage"
)

// State derives the rollup state of database.
//
// The most recent on-chain record decides Failed and Updating. Otherwise the
// latest confirmed step is compared with the latest off-chain step: no
// confirmed record is Unavailable, equal steps are Updated, a lagging chain is
// Outdated. A chain ahead of the proofs is an invariant violation.
func (c *Coordinator) State(ctx context.Context, q storage.Querier, database string) (State, error) {
	var st State
	latestOff, hasOff, err := c.LatestOffChain(ctx, q, database)
	if err != nil {
		return State{}, err
	}
	if hasOff {
		st.LatestStep = latestOff.Step
		st.MerkleRootNew = latestOff.MerkleRootNew
	}

	latest, hasLatest, err := c.onChainWhere(ctx, q, database, `1 = 1`, `id DESC`)
	if err != nil {
		return State{}, err
	}
	confirmed, hasConfirmed, err := c.onChainWhere(ctx, q, database, `status = 'Confirmed'`, `step DESC`)
	if err != nil {
		return State{}, err
	}
	if hasConfirmed {
		st.OnChainStep = confirmed.Step
		st.MerkleRootOld = confirmed.MerkleRootNew
	}

	st.RollupDifferent = st.LatestStep - st.OnChainStep
	if st.RollupDifferent < 0 {
		err := dberr.Invariant("database %s: on-chain step %d is ahead of off-chain step %d", database, st.OnChainStep, st.LatestStep)
		c.log.WithFields(logrus.Fields{"database": database, "onChainStep": st.OnChainStep, "offChainStep": st.LatestStep}).
			WithError(err).Error("rollup state invariant broken")
		return State{}, err
	}

	switch {
	case hasLatest && latest.Status == OnChainFailed:
		st.State = StateFailed
	case hasLatest && latest.Status == OnChainPending:
		st.State = StateUpdating
	case !hasConfirmed:
		st.State = StateUnavailable
	case st.RollupDifferent == 0:
		st.State = StateUpdated
	default:
		st.State = StateOutdated
	}
	return st, nil
}

func (c *Coordinator) onChainWhere(ctx context.Context, q storage.Querier, database, cond, order string) (OnChainRecord, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+onChainColumns+` FROM rollup_onchain
		WHERE database_name = ? AND `+cond+`
		ORDER BY `+order+` LIMIT 1
	`, database)
	rec, err := scanOnChain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OnChainRecord{}, false, nil
	}
	if err != nil {
		return OnChainRecord{}, false, err
	}
	return rec, true, nil
}
