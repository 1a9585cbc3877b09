package mevbot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var (
	ethToWei = big.NewInt(1e18)

	ErrOpportunityNotFound = errors.New("opportunity not found")
)

type DBOpportunity struct {
	ID             uuid.UUID      `db:"id"`
	Kind           string         `db:"kind"`
	FoundBlock     int64          `db:"found_block"`
	TargetBlock    int64          `db:"target_block"`
	MaxTargetBlock int64          `db:"max_target_block"`
	ProfitEstimate sql.NullString `db:"profit_estimate"`
	GasEstimate    int64          `db:"gas_estimate"`
	Body           []byte         `db:"body"`
	FoundAt        time.Time      `db:"found_at"`
	InsertedAt     time.Time      `db:"inserted_at"`

	Executed    bool           `db:"executed"`
	ExecSuccess bool           `db:"exec_success"`
	ExecError   sql.NullString `db:"exec_error"`
	ExecDryRun  bool           `db:"exec_dry_run"`
	ExecutedAt  sql.NullTime   `db:"executed_at"`
	TxHashes    sql.NullString `db:"tx_hashes"`
	Relays      sql.NullString `db:"relays"`
}

var insertOpportunityQuery = `
INSERT INTO opportunity (id, kind, found_block, target_block, max_target_block, profit_estimate, gas_estimate, body, found_at)
VALUES (:id, :kind, :found_block, :target_block, :max_target_block, :profit_estimate, :gas_estimate, :body, :found_at)
ON CONFLICT (id) DO NOTHING`

var updateOpportunityExecutionQuery = `
UPDATE opportunity
SET executed = true, exec_success = :exec_success, exec_error = :exec_error, exec_dry_run = :exec_dry_run,
    executed_at = :executed_at, tx_hashes = :tx_hashes, relays = :relays
WHERE id = :id`

var getRecentOpportunitiesQuery = `
SELECT id, kind, found_block, target_block, max_target_block, profit_estimate, gas_estimate, body, found_at, inserted_at,
       executed, exec_success, exec_error, exec_dry_run, executed_at, tx_hashes, relays
FROM opportunity
ORDER BY found_at DESC
LIMIT $1`

var profitStatsQuery = `
SELECT kind,
       count(*)                                                        AS found,
       count(*) FILTER (WHERE executed)                                AS executed,
       count(*) FILTER (WHERE executed AND exec_success)               AS succeeded,
       coalesce(sum(profit_estimate::numeric) FILTER (WHERE executed AND exec_success), 0)::text AS profit_eth
FROM opportunity
GROUP BY kind`

var pruneOpportunitiesQuery = `DELETE FROM opportunity WHERE found_at < $1`

// KindProfitStats aggregates outcomes for one opportunity kind. Profit is
// the summed estimate in eth for executed, successful opportunities.
type KindProfitStats struct {
	Kind      string `db:"kind" json:"kind"`
	Found     int64  `db:"found" json:"found"`
	Executed  int64  `db:"executed" json:"executed"`
	Succeeded int64  `db:"succeeded" json:"succeeded"`
	ProfitEth string `db:"profit_eth" json:"profitEth"`
}

type DBBackend struct {
	db *sqlx.DB

	insertOpportunity *sqlx.NamedStmt
	updateExecution   *sqlx.NamedStmt
	getRecent         *sqlx.Stmt
	profitStats       *sqlx.Stmt
	prune             *sqlx.Stmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	insertOpportunity, err := db.PrepareNamed(insertOpportunityQuery)
	if err != nil {
		return nil, err
	}
	updateExecution, err := db.PrepareNamed(updateOpportunityExecutionQuery)
	if err != nil {
		return nil, err
	}
	getRecent, err := db.Preparex(getRecentOpportunitiesQuery)
	if err != nil {
		return nil, err
	}
	profitStats, err := db.Preparex(profitStatsQuery)
	if err != nil {
		return nil, err
	}
	prune, err := db.Preparex(pruneOpportunitiesQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:                db,
		insertOpportunity: insertOpportunity,
		updateExecution:   updateExecution,
		getRecent:         getRecent,
		profitStats:       profitStats,
		prune:             prune,
	}, nil
}

// InsertOpportunity stores a discovered opportunity. The detail payload is
// kept as the JSON body, so new kinds need no schema change.
func (b *DBBackend) InsertOpportunity(ctx context.Context, opp *Opportunity) error {
	var dbOpp DBOpportunity
	dbOpp.ID = opp.ID
	dbOpp.Kind = opp.Kind.String()
	dbOpp.FoundBlock = int64(opp.FoundBlock)
	dbOpp.TargetBlock = int64(opp.TargetBlock)
	dbOpp.MaxTargetBlock = int64(opp.MaxTargetBlock)
	if opp.ProfitEstimate != nil {
		dbOpp.ProfitEstimate = sql.NullString{String: dbIntToEth(opp.ProfitEstimate), Valid: true}
	}
	dbOpp.GasEstimate = int64(opp.GasEstimate)
	dbOpp.FoundAt = time.UnixMicro(int64(opp.FoundAt))

	body, err := json.Marshal(opp)
	if err != nil {
		return err
	}
	dbOpp.Body = body

	_, err = b.insertOpportunity.ExecContext(ctx, dbOpp)
	return err
}

// UpdateExecution records the outcome of acting on an opportunity.
func (b *DBBackend) UpdateExecution(ctx context.Context, id uuid.UUID, result *ExecutionResult) error {
	dbOpp := DBOpportunity{
		ID:          id,
		ExecSuccess: result.Success,
		ExecError:   sql.NullString{String: result.Error, Valid: result.Error != ""},
		ExecDryRun:  result.DryRun,
		ExecutedAt:  sql.NullTime{Time: time.Now(), Valid: true},
	}
	if len(result.TxHashes) > 0 {
		hashes := make([]string, len(result.TxHashes))
		for i, h := range result.TxHashes {
			hashes[i] = h.Hex()
		}
		joined, err := json.Marshal(hashes)
		if err != nil {
			return err
		}
		dbOpp.TxHashes = sql.NullString{String: string(joined), Valid: true}
	}
	if len(result.Relays) > 0 {
		joined, err := json.Marshal(result.Relays)
		if err != nil {
			return err
		}
		dbOpp.Relays = sql.NullString{String: string(joined), Valid: true}
	}

	res, err := b.updateExecution.ExecContext(ctx, dbOpp)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return ErrOpportunityNotFound
	}
	return nil
}

// GetRecentOpportunities returns the latest opportunities as stored JSON
// bodies, newest first.
func (b *DBBackend) GetRecentOpportunities(ctx context.Context, limit int) ([]*Opportunity, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []DBOpportunity
	if err := b.getRecent.SelectContext(ctx, &rows, limit); err != nil {
		return nil, err
	}
	out := make([]*Opportunity, 0, len(rows))
	for _, row := range rows {
		var opp Opportunity
		if err := json.Unmarshal(row.Body, &opp); err != nil {
			return nil, err
		}
		out = append(out, &opp)
	}
	return out, nil
}

// ProfitStats aggregates per-kind discovery and execution counts.
func (b *DBBackend) ProfitStats(ctx context.Context) ([]KindProfitStats, error) {
	var stats []KindProfitStats
	if err := b.profitStats.SelectContext(ctx, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// PruneOlderThan deletes opportunities found before the cutoff and returns
// how many rows went away.
func (b *DBBackend) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := b.prune.ExecContext(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}

func dbIntToEth(i *hexutil.Big) string {
	return new(big.Rat).SetFrac(i.ToInt(), ethToWei).FloatString(18)
}
