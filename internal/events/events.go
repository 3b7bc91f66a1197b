// Package events publishes notifications about committed sales to
// downstream consumers. Publishing happens after the sale is durable and is
// never part of the commit.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/domain"
)

const TypeSaleCommitted = "sale.committed"

type SaleCommitted struct {
	Type          string          `json:"type"`
	SaleID        string          `json:"sale_id"`
	ReceiptNumber string          `json:"receipt_number"`
	StoreID       string          `json:"store_id"`
	TerminalID    string          `json:"terminal_id"`
	OperatorID    string          `json:"operator_id"`
	Total         decimal.Decimal `json:"total"`
	Items         []StockMovement `json:"items"`
	CommittedAt   time.Time       `json:"committed_at"`
}

type StockMovement struct {
	UnitID   string `json:"unit_id"`
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

func NewSaleCommitted(sale domain.Sale, receiptNumber string) SaleCommitted {
	items := make([]StockMovement, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		items = append(items, StockMovement{UnitID: line.UnitID, SKU: line.SKU, Quantity: line.Quantity})
	}
	return SaleCommitted{
		Type:          TypeSaleCommitted,
		SaleID:        sale.ID,
		ReceiptNumber: receiptNumber,
		StoreID:       sale.StoreID,
		TerminalID:    sale.TerminalID,
		OperatorID:    sale.Operator.ID,
		Total:         sale.Total,
		Items:         items,
		CommittedAt:   sale.CreatedAt,
	}
}

type Publisher interface {
	PublishSaleCommitted(ctx context.Context, event SaleCommitted) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) PublishSaleCommitted(context.Context, SaleCommitted) error { return nil }
func (NoopPublisher) Close() error                                              { return nil }

type KafkaPublisher struct {
	writer *kafka.Writer
}

// ParseBrokers splits a comma separated broker list, dropping blanks.
func ParseBrokers(csv string) []string {
	brokers := []string{}
	for _, b := range strings.Split(csv, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

// PublishSaleCommitted keys messages by store so one store's sales stay
// ordered on a single partition.
func (p *KafkaPublisher) PublishSaleCommitted(ctx context.Context, event SaleCommitted) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.Type, err)
	}
	msg := kafka.Message{
		Key:   []byte(event.StoreID),
		Value: payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
			{Key: "sale_id", Value: []byte(event.SaleID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s %s: %w", event.Type, event.SaleID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
