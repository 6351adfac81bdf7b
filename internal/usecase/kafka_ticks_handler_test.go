package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"SignalDesk/internal/domain/models"
	pkgmetrics "SignalDesk/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProc struct {
	keys  []models.Key
	ticks []models.RawTick
	err   error
}

func (p *recordingProc) Process(key models.Key, raw models.RawTick) error {
	p.keys = append(p.keys, key)
	p.ticks = append(p.ticks, raw)
	return p.err
}

func TestKafkaTicksHandlerDecodes(t *testing.T) {
	proc := &recordingProc{}
	h := NewKafkaTicksHandler("ticks", proc, pkgmetrics.NewWithRegisterer(prometheus.NewRegistry()))
	assert.Equal(t, "ticks", h.Topic())

	require.NoError(t, h.Handle(context.Background(), []byte(`{"symbol":"aapl","exchange":"nasdaq","t":1709285400000,"c":189.5,"b":189.4,"a":189.6}`)))
	require.Len(t, proc.keys, 1)
	assert.Equal(t, models.NewKey("AAPL", "NASDAQ"), proc.keys[0])
	assert.Equal(t, 189.5, proc.ticks[0].Price)
	assert.Equal(t, time.UnixMilli(1709285400000), proc.ticks[0].Time)
	assert.Equal(t, "kafka", proc.ticks[0].Source)

	require.NoError(t, h.Handle(context.Background(), []byte(`{"symbol":"MSFT","t":1709285400,"c":410}`)))
	assert.Equal(t, time.Unix(1709285400, 0), proc.ticks[1].Time)
}

func TestKafkaTicksHandlerRejectsGarbageButDropsInvalidTicks(t *testing.T) {
	proc := &recordingProc{err: errors.New("invalid price")}
	h := NewKafkaTicksHandler("ticks", proc, pkgmetrics.NewWithRegisterer(prometheus.NewRegistry()))

	assert.Error(t, h.Handle(context.Background(), []byte(`not json`)))
	assert.NoError(t, h.Handle(context.Background(), []byte(`{"symbol":"AAPL","c":-1}`)))
}
