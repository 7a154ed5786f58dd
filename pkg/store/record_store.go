// Package store is the read side of the settlement ledgers. The ledger stays the source
// of truth; stores only add a scoped cache that write paths invalidate.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/web3ekko/ekko-settler/pkg/cache"
	"github.com/web3ekko/ekko-settler/pkg/ledger"
	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

// DefaultRecordTTL bounds how long a terminal record stays cached.
const DefaultRecordTTL = 10 * time.Minute

// RecordStore serves settlement records for one pipeline.
// Only terminal records are cached: they can never change again.
type RecordStore struct {
	ledger ledger.SettlementLedger
	cache  cache.Cache
	ttl    time.Duration
	log    *zap.Logger
}

// NewRecordStore wraps l. A nil cache disables caching.
func NewRecordStore(l ledger.SettlementLedger, c cache.Cache, ttl time.Duration, log *zap.Logger) *RecordStore {
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RecordStore{ledger: l, cache: c, ttl: ttl, log: log}
}

func (s *RecordStore) Pipeline() settlement.Pipeline { return s.ledger.Pipeline() }

func (s *RecordStore) key(id *big.Int) string {
	return fmt.Sprintf("%s:record:%s", s.ledger.Pipeline(), id)
}

func (s *RecordStore) cached(ctx context.Context, id *big.Int) (settlement.Request, bool) {
	if s.cache == nil {
		return settlement.Request{}, false
	}
	raw, err := s.cache.GetString(ctx, s.key(id))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.log.Warn("record cache read failed", zap.String("request_id", id.String()), zap.Error(err))
		}
		return settlement.Request{}, false
	}
	var rec settlement.Request
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.log.Warn("dropping corrupt cached record", zap.String("request_id", id.String()), zap.Error(err))
		_ = s.cache.Delete(ctx, s.key(id))
		return settlement.Request{}, false
	}
	return rec, true
}

func (s *RecordStore) remember(ctx context.Context, rec settlement.Request) {
	if s.cache == nil || !rec.Status.Terminal() {
		return
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.cache.SetString(ctx, s.key(rec.RequestID), string(raw), s.ttl); err != nil {
		s.log.Warn("record cache write failed", zap.String("request_id", rec.RequestID.String()), zap.Error(err))
	}
}

// GetRecord returns the record for id or an error matching settlement.ErrNotFound.
func (s *RecordStore) GetRecord(ctx context.Context, id *big.Int) (settlement.Request, error) {
	if rec, ok := s.cached(ctx, id); ok {
		return rec, nil
	}
	rec, err := s.ledger.Record(ctx, id)
	if err != nil {
		return settlement.Request{}, err
	}
	s.remember(ctx, rec)
	return rec, nil
}

// Lookup is GetRecord with not-found folded into the boolean.
func (s *RecordStore) Lookup(ctx context.Context, id *big.Int) (settlement.Request, bool, error) {
	rec, err := s.GetRecord(ctx, id)
	switch {
	case err == nil:
		return rec, true, nil
	case errors.Is(err, settlement.ErrNotFound):
		return settlement.Request{}, false, nil
	default:
		return settlement.Request{}, false, err
	}
}

// Exists reports whether a record for id is on the ledger.
func (s *RecordStore) Exists(ctx context.Context, id *big.Int) (bool, error) {
	_, found, err := s.Lookup(ctx, id)
	return found, err
}

// GetBatchRecords returns the records that exist among ids, in input order.
func (s *RecordStore) GetBatchRecords(ctx context.Context, ids []*big.Int) ([]settlement.Request, error) {
	found := make(map[string]settlement.Request, len(ids))
	var missing []*big.Int
	for _, id := range ids {
		if rec, ok := s.cached(ctx, id); ok {
			found[id.String()] = rec
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) > 0 {
		recs, err := s.ledger.Records(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("batch read %d records: %w", len(missing), err)
		}
		for _, rec := range recs {
			found[rec.RequestID.String()] = rec
			s.remember(ctx, rec)
		}
	}
	out := make([]settlement.Request, 0, len(found))
	for _, id := range ids {
		if rec, ok := found[id.String()]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// GetAggregateStats is never cached.
func (s *RecordStore) GetAggregateStats(ctx context.Context) (settlement.AggregateStats, error) {
	return s.ledger.Stats(ctx)
}

// PoolBalance reports the funds available for disbursement in asset.
func (s *RecordStore) PoolBalance(ctx context.Context, asset common.Address) (*big.Int, error) {
	return s.ledger.PoolBalance(ctx, asset)
}

// Invalidate drops any cached copy of id. Every write path calls it.
func (s *RecordStore) Invalidate(ctx context.Context, id *big.Int) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, s.key(id)); err != nil {
		s.log.Warn("record cache invalidation failed", zap.String("request_id", id.String()), zap.Error(err))
	}
}
