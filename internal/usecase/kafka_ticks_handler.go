package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"SignalDesk/internal/domain/models"
	drepo "SignalDesk/internal/domain/repository"
	pkgkafka "SignalDesk/pkg/kafka"
)

// TickProcessor accepts a raw tick for a key.
type TickProcessor interface {
	Process(key models.Key, raw models.RawTick) error
}

// KafkaTicksHandler feeds ticks replayed on a Kafka topic into the price cache.
type KafkaTicksHandler struct {
	topic   string
	proc    TickProcessor
	metrics drepo.Metrics
}

func NewKafkaTicksHandler(topic string, proc TickProcessor, metrics drepo.Metrics) *KafkaTicksHandler {
	return &KafkaTicksHandler{topic: topic, proc: proc, metrics: metrics}
}

func (h *KafkaTicksHandler) Topic() string { return h.topic }

// incoming message schema: {symbol, exchange, t, c, b, a}
func (h *KafkaTicksHandler) Handle(ctx context.Context, b []byte) error {
	var m struct {
		Symbol   string  `json:"symbol"`
		Exchange string  `json:"exchange"`
		T        int64   `json:"t"`
		C        float64 `json:"c"`
		B        float64 `json:"b"`
		A        float64 `json:"a"`
	}
	if err := json.Unmarshal(b, &m); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return fmt.Errorf("decode tick: %w", err)
	}
	var ts time.Time
	switch {
	case m.T > 1e11: // ms
		ts = time.UnixMilli(m.T)
	case m.T > 0:
		ts = time.Unix(m.T, 0)
	}
	if !ts.IsZero() {
		h.metrics.RecordLatency("ingest_e2e", time.Since(ts).Seconds())
	}

	err := h.proc.Process(models.NewKey(m.Symbol, m.Exchange), models.RawTick{
		Price:  m.C,
		Bid:    m.B,
		Ask:    m.A,
		Time:   ts,
		Source: "kafka",
	})
	if err != nil {
		// invalid ticks are dropped, not retried
		h.metrics.RecordError("consumer_tick")
	}
	return nil
}

var _ pkgkafka.MessageHandler = (*KafkaTicksHandler)(nil)
