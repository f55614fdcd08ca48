package store

import (
	"context"
	"database/sql"

	"crewline/internal/domain"
)

// UpsertPRSignal replaces the cached pull-request snapshot for a work item.
func (s Store) UpsertPRSignal(ctx context.Context, sig domain.PRSignal) error {
	var mergeable any
	if sig.Mergeable != nil {
		if *sig.Mergeable {
			mergeable = 1
		} else {
			mergeable = 0
		}
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO pr_signals(work_id,state,review_decision,mergeable,merge_state,merge_commit,url,observed_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(work_id) DO UPDATE SET state=excluded.state, review_decision=excluded.review_decision,
mergeable=excluded.mergeable, merge_state=excluded.merge_state, merge_commit=excluded.merge_commit,
url=excluded.url, observed_at=excluded.observed_at`,
		sig.WorkID, sig.State, nullable(sig.ReviewDecision), mergeable, nullable(sig.MergeState),
		nullable(sig.MergeCommit), nullable(sig.URL), sig.ObservedAt)
	return err
}

func (s Store) GetPRSignal(ctx context.Context, workID string) (domain.PRSignal, error) {
	var sig domain.PRSignal
	var reviewDecision, mergeState, mergeCommit, url sql.NullString
	var mergeable sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `SELECT work_id,state,review_decision,mergeable,merge_state,merge_commit,url,observed_at FROM pr_signals WHERE work_id=?`, workID).
		Scan(&sig.WorkID, &sig.State, &reviewDecision, &mergeable, &mergeState, &mergeCommit, &url, &sig.ObservedAt)
	if err == sql.ErrNoRows {
		return sig, ErrNotFound
	}
	if err != nil {
		return sig, err
	}
	if reviewDecision.Valid {
		sig.ReviewDecision = reviewDecision.String
	}
	if mergeable.Valid {
		v := mergeable.Int64 != 0
		sig.Mergeable = &v
	}
	if mergeState.Valid {
		sig.MergeState = mergeState.String
	}
	if mergeCommit.Valid {
		sig.MergeCommit = mergeCommit.String
	}
	if url.Valid {
		sig.URL = url.String
	}
	return sig, nil
}

// SignalsForSubtree returns cached PR signals keyed by work id for every
// item in an epic's subtree.
func (s Store) SignalsForSubtree(ctx context.Context, epicID string) (map[string]domain.PRSignal, error) {
	rows, err := s.DB.QueryContext(ctx, `WITH RECURSIVE subtree(id) AS (
		SELECT id FROM work_items WHERE id=?
		UNION
		SELECT w.id FROM work_items w JOIN subtree s ON w.parent_id=s.id
	)
	SELECT work_id,state,review_decision,mergeable,merge_state,merge_commit,url,observed_at
	FROM pr_signals WHERE work_id IN (SELECT id FROM subtree)`, epicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]domain.PRSignal{}
	for rows.Next() {
		var sig domain.PRSignal
		var reviewDecision, mergeState, mergeCommit, url sql.NullString
		var mergeable sql.NullInt64
		if err := rows.Scan(&sig.WorkID, &sig.State, &reviewDecision, &mergeable, &mergeState, &mergeCommit, &url, &sig.ObservedAt); err != nil {
			return nil, err
		}
		if reviewDecision.Valid {
			sig.ReviewDecision = reviewDecision.String
		}
		if mergeable.Valid {
			v := mergeable.Int64 != 0
			sig.Mergeable = &v
		}
		if mergeState.Valid {
			sig.MergeState = mergeState.String
		}
		if mergeCommit.Valid {
			sig.MergeCommit = mergeCommit.String
		}
		if url.Valid {
			sig.URL = url.String
		}
		res[sig.WorkID] = sig
	}
	return res, rows.Err()
}
