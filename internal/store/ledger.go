// ledger.go implements the append-only hash-chained ledger.
//
// Every entry binds to its predecessor:
//
//	digest = SHA-256(agent_id|amount|kind|reference|timestamp|previous_digest|sequence)
//
// with amount serialized at 8 fractional digits and the timestamp in
// RFC 3339 nanosecond form. previous_digest of the first entry is 64 zeros.
// If sequence is ever non-monotonic, the chain is corrupted.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"agent-arena/pkg/types"
)

// GenesisDigest is the previous_digest of every chain's first entry.
const GenesisDigest = "0000000000000000000000000000000000000000000000000000000000000000"

// timeLayout is the canonical timestamp serialization. It must round-trip
// exactly, since stored timestamps feed digest recomputation.
const timeLayout = time.RFC3339Nano

// ComputeDigest hashes one ledger entry's fields in canonical order.
func ComputeDigest(
	agentID string,
	amount decimal.Decimal,
	kind types.EntryKind,
	reference string,
	ts time.Time,
	previousDigest string,
	sequence int64,
) string {
	payload := strings.Join([]string{
		agentID,
		amount.StringFixed(8),
		string(kind),
		reference,
		ts.UTC().Format(timeLayout),
		previousDigest,
		strconv.FormatInt(sequence, 10),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

type ledgerRow struct {
	ID             int64  `db:"id"`
	AgentID        string `db:"agent_id"`
	Sequence       int64  `db:"sequence"`
	Amount         string `db:"amount"`
	Kind           string `db:"kind"`
	Reference      string `db:"reference"`
	Timestamp      string `db:"ts"`
	PreviousDigest string `db:"previous_digest"`
	Digest         string `db:"digest"`
}

func (r ledgerRow) toEntry() (types.LedgerEntry, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return types.LedgerEntry{}, fmt.Errorf("parse amount %q: %w", r.Amount, err)
	}
	ts, err := time.Parse(timeLayout, r.Timestamp)
	if err != nil {
		return types.LedgerEntry{}, fmt.Errorf("parse timestamp %q: %w", r.Timestamp, err)
	}
	return types.LedgerEntry{
		ID:             r.ID,
		AgentID:        r.AgentID,
		Sequence:       r.Sequence,
		Amount:         amount,
		Kind:           types.EntryKind(r.Kind),
		Reference:      r.Reference,
		Timestamp:      ts,
		PreviousDigest: r.PreviousDigest,
		Digest:         r.Digest,
	}, nil
}

// AppendInput describes one ledger write. Metrics, when set, is written as a
// companion row in the same transaction; it is NOT part of the hash chain
// and a sink failure never fails the ledger write.
type AppendInput struct {
	AgentID   string
	Amount    decimal.Decimal
	Kind      types.EntryKind
	Reference string
	Metrics   *types.MetricsRecord
}

// Append writes the next entry in the agent's chain inside tx. It reads the
// tip, computes sequence and digests, and inserts. Does not commit. A
// concurrent appender that already claimed the sequence surfaces as
// ErrSequenceConflict via the unique constraint; the caller's transaction is
// then unusable and must be rolled back.
func (s *Store) Append(ctx context.Context, tx *sqlx.Tx, in AppendInput) (*types.LedgerEntry, error) {
	var tip ledgerRow
	query := tx.Rebind("SELECT * FROM ledger WHERE agent_id = ? ORDER BY sequence DESC LIMIT 1")
	err := tx.GetContext(ctx, &tip, query, in.AgentID)

	previousDigest := GenesisDigest
	nextSequence := int64(1)
	switch {
	case err == nil:
		previousDigest = tip.Digest
		nextSequence = tip.Sequence + 1
	case errors.Is(err, sql.ErrNoRows):
		// first entry for this agent
	default:
		return nil, fmt.Errorf("read chain tip: %w", err)
	}

	ts := time.Now().UTC()
	entry := types.LedgerEntry{
		AgentID:        in.AgentID,
		Sequence:       nextSequence,
		Amount:         in.Amount,
		Kind:           in.Kind,
		Reference:      in.Reference,
		Timestamp:      ts,
		PreviousDigest: previousDigest,
		Digest:         ComputeDigest(in.AgentID, in.Amount, in.Kind, in.Reference, ts, previousDigest, nextSequence),
	}

	if err := s.insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	if in.Metrics != nil {
		if err := s.InsertMetrics(ctx, tx, in.Metrics); err != nil {
			s.logger.Warn("metrics companion write failed", "agent", in.AgentID, "error", err)
		}
	}
	return &entry, nil
}

func (s *Store) insertEntry(ctx context.Context, tx *sqlx.Tx, e types.LedgerEntry) error {
	query := tx.Rebind(`INSERT INTO ledger
		(agent_id, sequence, amount, kind, reference, ts, previous_digest, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, query,
		e.AgentID, e.Sequence, e.Amount.StringFixed(8), string(e.Kind),
		e.Reference, e.Timestamp.UTC().Format(timeLayout), e.PreviousDigest, e.Digest,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("agent %s sequence %d: %w", e.AgentID, e.Sequence, ErrSequenceConflict)
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// ChainSum returns the authoritative balance: the decimal sum of all entry
// amounts for the agent. Returns zero for an empty chain.
func (s *Store) ChainSum(ctx context.Context, q sqlx.ExtContext, agentID string) (decimal.Decimal, error) {
	var amounts []string
	query := q.Rebind("SELECT amount FROM ledger WHERE agent_id = ? ORDER BY sequence")
	if err := sqlx.SelectContext(ctx, q, &amounts, query, agentID); err != nil {
		return decimal.Zero, fmt.Errorf("chain sum: %w", err)
	}
	sum := decimal.Zero
	for _, a := range amounts {
		d, err := decimal.NewFromString(a)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse amount %q: %w", a, err)
		}
		sum = sum.Add(d)
	}
	return sum, nil
}

// LoadChain returns the agent's entries in sequence order.
func (s *Store) LoadChain(ctx context.Context, q sqlx.ExtContext, agentID string) ([]types.LedgerEntry, error) {
	var rows []ledgerRow
	query := q.Rebind("SELECT * FROM ledger WHERE agent_id = ? ORDER BY sequence")
	if err := sqlx.SelectContext(ctx, q, &rows, query, agentID); err != nil {
		return nil, fmt.Errorf("load chain: %w", err)
	}
	entries := make([]types.LedgerEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// IdleStreak counts the consecutive HEARTBEAT entries at the chain tip,
// scanning back until the first non-HEARTBEAT entry.
func (s *Store) IdleStreak(ctx context.Context, q sqlx.ExtContext, agentID string) (int, error) {
	var kinds []string
	query := q.Rebind("SELECT kind FROM ledger WHERE agent_id = ? ORDER BY sequence DESC")
	if err := sqlx.SelectContext(ctx, q, &kinds, query, agentID); err != nil {
		return 0, fmt.Errorf("idle streak: %w", err)
	}
	streak := 0
	for _, k := range kinds {
		if types.EntryKind(k) != types.KindHeartbeat {
			break
		}
		streak++
	}
	return streak, nil
}

// VerifyChain walks the agent's full chain and checks sequence continuity,
// previous-digest linkage, and that every stored digest recomputes from its
// fields. Returns ErrChainCorrupted (wrapped with detail) on any mismatch.
func (s *Store) VerifyChain(ctx context.Context, agentID string) error {
	entries, err := s.LoadChain(ctx, s.db, agentID)
	if err != nil {
		return err
	}
	prev := GenesisDigest
	for i, e := range entries {
		want := int64(i + 1)
		if e.Sequence != want {
			return fmt.Errorf("%w: agent %s sequence gap at %d (got %d)", ErrChainCorrupted, agentID, want, e.Sequence)
		}
		if e.PreviousDigest != prev {
			return fmt.Errorf("%w: agent %s broken link at sequence %d", ErrChainCorrupted, agentID, e.Sequence)
		}
		recomputed := ComputeDigest(e.AgentID, e.Amount, e.Kind, e.Reference, e.Timestamp, e.PreviousDigest, e.Sequence)
		if recomputed != e.Digest {
			return fmt.Errorf("%w: agent %s digest mismatch at sequence %d", ErrChainCorrupted, agentID, e.Sequence)
		}
		prev = e.Digest
	}
	return nil
}
