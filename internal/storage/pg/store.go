package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"

	"trade_engine/internal/models"
	"trade_engine/internal/storage"
	"trade_engine/pkg/db"
)

// Store writes orders, fills, positions and risk rejections.
type Store struct {
	db db.TxManager
}

var _ storage.Writer = (*Store)(nil)

func NewStore(tx db.TxManager) *Store {
	return &Store{db: tx}
}

func (s *Store) SaveOrder(ctx context.Context, o models.Order) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SaveOrder: %w", err)
		}
	}()
	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		_, err := tx.Exec(ctxTx, upsertOrder,
			o.ID, o.ClientOrderID, nullable(o.ExchangeOrderID), nullable(o.StrategyID), nullable(o.SignalID),
			o.Symbol, string(o.Side), string(o.Type),
			o.Quantity, o.Price, o.StopPrice, string(o.TimeInForce), o.ReduceOnly,
			string(o.Status), o.FilledQuantity, o.AverageFillPrice,
			nullable(o.RejectReason), o.CreatedAt, o.UpdatedAt, nullTime(o.ClosedAt))
		return err
	})
}

func (s *Store) SaveFill(ctx context.Context, f models.Fill) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SaveFill: %w", err)
		}
	}()
	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		_, err := tx.Exec(ctxTx, insertFill,
			f.ID, nullable(f.OrderID), nullable(f.ClientOrderID), f.Symbol, string(f.Side),
			f.Quantity, f.Price, f.Fee, f.Timestamp)
		return err
	})
}

// SavePosition upserts an open position. A flat position is moved to the
// history table.
func (s *Store) SavePosition(ctx context.Context, p models.Position) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SavePosition: %w", err)
		}
	}()
	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		if p.IsFlat() {
			if _, err := tx.Exec(ctxTx, insertPositionHistory,
				p.Symbol, nullable(p.StrategyID), string(p.Side), p.Quantity, p.AverageEntryPrice,
				p.RealizedPnL, nullTime(p.OpenedAt), p.UpdatedAt); err != nil {
				return err
			}
			_, err := tx.Exec(ctxTx, deletePosition, p.Symbol)
			return err
		}
		_, err := tx.Exec(ctxTx, upsertPosition,
			p.Symbol, nullable(p.StrategyID), string(p.Side), p.Quantity, p.AverageEntryPrice,
			p.RealizedPnL, p.UnrealizedPnL, p.LastPrice, nullTime(p.OpenedAt), p.UpdatedAt)
		return err
	})
}

func (s *Store) SaveRejection(ctx context.Context, r models.RiskRejection) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SaveRejection: %w", err)
		}
	}()
	var reasons []byte
	reasons, err = sonic.Marshal(r.Reasons)
	if err != nil {
		return err
	}
	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		_, err := tx.Exec(ctxTx, insertRejection,
			nullable(r.SignalID), nullable(r.StrategyID), r.Symbol, string(r.Side), reasons, r.At)
		return err
	})
}

// OpenPositions returns the persisted open positions.
func (s *Store) OpenPositions(ctx context.Context) (res []models.Position, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.OpenPositions: %w", err)
		}
	}()
	err = s.db.RunReadOnly(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		rows, err := tx.Query(ctxTx, selectOpenPositions)
		if err != nil {
			return err
		}
		res, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Position, error) {
			var (
				p          models.Position
				strategyID *string
				side       string
				openedAt   *time.Time
			)
			err := row.Scan(&p.Symbol, &strategyID, &side, &p.Quantity, &p.AverageEntryPrice,
				&p.RealizedPnL, &p.UnrealizedPnL, &p.LastPrice, &openedAt, &p.UpdatedAt)
			if strategyID != nil {
				p.StrategyID = *strategyID
			}
			if openedAt != nil {
				p.OpenedAt = *openedAt
			}
			p.Side = models.Side(side)
			return p, err
		})
		return err
	})
	return res, err
}
