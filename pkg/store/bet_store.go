package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/web3ekko/ekko-settler/pkg/cache"
	"github.com/web3ekko/ekko-settler/pkg/ledger"
	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

// DefaultBetTTL bounds how long settled bet details stay cached.
const DefaultBetTTL = 30 * time.Minute

// BetStore caches bet details read from the betting ledger. Only settled bets are
// cached; an unsettled bet is re-read every time.
type BetStore struct {
	ledger ledger.BettingLedger
	cache  cache.Cache
	ttl    time.Duration
	log    *zap.Logger
}

// NewBetStore wraps l. A nil cache disables caching.
func NewBetStore(l ledger.BettingLedger, c cache.Cache, ttl time.Duration, log *zap.Logger) *BetStore {
	if ttl <= 0 {
		ttl = DefaultBetTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BetStore{ledger: l, cache: c, ttl: ttl, log: log}
}

func betKey(id *big.Int) string { return fmt.Sprintf("bet:%s", id) }

// Details returns the ledger's view of bet id.
func (s *BetStore) Details(ctx context.Context, id *big.Int) (settlement.BetDetails, error) {
	if s.cache != nil {
		raw, err := s.cache.GetString(ctx, betKey(id))
		if err == nil {
			var d settlement.BetDetails
			if jerr := json.Unmarshal([]byte(raw), &d); jerr == nil {
				return d, nil
			}
		} else if !errors.Is(err, cache.ErrMiss) {
			s.log.Warn("bet cache read failed", zap.String("request_id", id.String()), zap.Error(err))
		}
	}

	d, err := s.ledger.BetDetails(ctx, id)
	if err != nil {
		return settlement.BetDetails{}, err
	}
	if s.cache != nil && d.Settled {
		if raw, jerr := json.Marshal(d); jerr == nil {
			if err := s.cache.SetString(ctx, betKey(id), string(raw), s.ttl); err != nil {
				s.log.Warn("bet cache write failed", zap.String("request_id", id.String()), zap.Error(err))
			}
		}
	}
	return d, nil
}
