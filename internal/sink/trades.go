package sink

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"exchange/internal/bus"
	"exchange/internal/schema"
	"exchange/pkg/conn"
)

// TradeRecord is one persisted execution. The sequence is the primary key, so redelivered
// trades are ignored.
type TradeRecord struct {
	Seq           uint64          `gorm:"primaryKey;autoIncrement:false"`
	Instrument    string          `gorm:"size:32;index:idx_trades_instrument_seq,priority:1"`
	Price         decimal.Decimal `gorm:"type:numeric(38,18)"`
	Qty           decimal.Decimal `gorm:"type:numeric(38,18)"`
	AggressorSide string          `gorm:"size:4"`
	BuyOrderID    uint64
	SellOrderID   uint64
	BuyOwner      uint32
	SellOwner     uint32
	ExecutedAt    time.Time `gorm:"index"`
}

// TableName implements gorm's tabler.
func (TradeRecord) TableName() string {
	return "trades"
}

// TradeStore is the Sink persisting trades to postgres.
type TradeStore struct {
	client   *conn.Client
	db       *gorm.DB
	registry *schema.Registry
}

// NewTradeStore migrates the trades table unless the client runs in dry-run mode.
func NewTradeStore(client *conn.Client, registry *schema.Registry) (*TradeStore, error) {
	db := client.DB()
	if db == nil {
		return nil, errors.New("trade store: nil database")
	}
	if !db.DryRun {
		if err := db.AutoMigrate(&TradeRecord{}); err != nil {
			return nil, errors.Wrap(err, "migrate trades table")
		}
	}
	return &TradeStore{client: client, db: db, registry: registry}, nil
}

// Write implements Sink.
func (s *TradeStore) Write(ctx context.Context, events []bus.Event) error {
	rows := s.records(events)
	if len(rows) == 0 {
		return nil
	}
	return s.insert(ctx, rows).Error
}

func (s *TradeStore) insert(ctx context.Context, rows []TradeRecord) *gorm.DB {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows)
}

func (s *TradeStore) records(events []bus.Event) []TradeRecord {
	var rows []TradeRecord
	for _, e := range events {
		trade, ok := e.Body.(schema.Trade)
		if !ok {
			continue
		}
		inst, ok := s.registry.Lookup(trade.InstrumentID)
		if !ok {
			continue
		}
		buyOwner, sellOwner := trade.AggressorOwner, trade.RestingOwner
		if trade.AggressorSide == schema.OrderSideSell {
			buyOwner, sellOwner = sellOwner, buyOwner
		}
		rows = append(rows, TradeRecord{
			Seq:           e.Header.Seq,
			Instrument:    inst.Symbol,
			Price:         decimal.New(int64(trade.Price), -int32(inst.PriceScale)),
			Qty:           decimal.New(int64(trade.Qty), -int32(inst.QtyScale)),
			AggressorSide: trade.AggressorSide.String(),
			BuyOrderID:    trade.BuyOrderID(),
			SellOrderID:   trade.SellOrderID(),
			BuyOwner:      buyOwner,
			SellOwner:     sellOwner,
			ExecutedAt:    time.Unix(0, trade.Timestamp).UTC(),
		})
	}
	return rows
}

// LastSeq implements Resumer.
func (s *TradeStore) LastSeq(ctx context.Context) (uint64, error) {
	if s.db.DryRun {
		return 0, nil
	}
	var last uint64
	err := s.db.WithContext(ctx).
		Model(&TradeRecord{}).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&last).Error
	if err != nil {
		return 0, errors.Wrap(err, "query last trade sequence")
	}
	return last, nil
}

// Recent returns up to limit trades of an instrument, newest first.
func (s *TradeStore) Recent(ctx context.Context, symbol string, limit int) ([]TradeRecord, error) {
	var rows []TradeRecord
	err := s.db.WithContext(ctx).
		Where("instrument = ?", symbol).
		Order("seq DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "query recent trades").With("instrument", symbol)
	}
	return rows, nil
}

// Close implements Sink.
func (s *TradeStore) Close() error {
	return s.client.Close()
}
