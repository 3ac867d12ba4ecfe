package drafts

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"go.uber.org/zap"
)

// Sweeper removes drafts past their deadline and releases what they held.
type Sweeper struct {
	Store     orders.Store
	Inventory *inventory.Ledger
	BatchSize int
	Now       func() time.Time
	Log       *zap.Logger
}

func NewSweeper(store orders.Store, inv *inventory.Ledger, batch int, log *zap.Logger) *Sweeper {
	if batch <= 0 {
		batch = 50
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{Store: store, Inventory: inv, BatchSize: batch, Now: time.Now, Log: log}
}

// RunOnce sweeps until no expired draft is left. Each batch is released and
// deleted in one transactional scope; it returns the number of drafts removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.sweepBatch(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < s.BatchSize {
			return total, nil
		}
	}
}

func (s *Sweeper) sweepBatch(ctx context.Context) (int, error) {
	n := 0
	err := s.Store.InTx(ctx, func(tx orders.Store) error {
		n = 0
		expired, err := tx.ListExpiredDrafts(ctx, s.Now(), s.BatchSize)
		if err != nil {
			return fmt.Errorf("list expired drafts: %w", err)
		}
		inv := s.Inventory.With(tx)
		for _, o := range expired {
			if err := inv.ReleaseItems(ctx, o.Items); err != nil {
				return err
			}
			if err := tx.DeleteOrder(ctx, o.ID); err != nil {
				return fmt.Errorf("delete draft %s: %w", o.ID, err)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.Log.Info("expired drafts swept", zap.Int("count", n))
	}
	return n, nil
}

// Run sweeps once per trigger tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context, trigger <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-trigger:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.Log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Every is a ticker-backed trigger for Run.
func Every(ctx context.Context, d time.Duration) <-chan time.Time {
	t := time.NewTicker(d)
	go func() {
		<-ctx.Done()
		t.Stop()
	}()
	return t.C
}
