package pipe

import (
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics contains atomic counters of a pipe.
// They can be read directly or exported with Register.
type Metrics struct {
	// ConnectCount indicates the number of handles opened.
	ConnectCount atomic.Uint64
	// ConnectErrCount indicates the number of failed connects.
	ConnectErrCount atomic.Uint64

	// ExchangeCount indicates the number of sessions run on the pipe.
	ExchangeCount atomic.Uint64
	// ExchangeErrCount indicates the number of sessions that failed.
	ExchangeErrCount atomic.Uint64

	// BytesSent and BytesRecv count raw bytes on the wire.
	BytesSent atomic.Uint64
	BytesRecv atomic.Uint64

	// InflightCount is 1 while a session holds the gate.
	InflightCount atomic.Int64
}

func (m *Metrics) incConnectCount() {
	m.ConnectCount.Add(1)
}

func (m *Metrics) incConnectErrCount() {
	m.ConnectErrCount.Add(1)
}

func (m *Metrics) incExchangeCount() {
	m.ExchangeCount.Add(1)
}

func (m *Metrics) incExchangeErrCount() {
	m.ExchangeErrCount.Add(1)
}

func (m *Metrics) incInflightCount() {
	m.InflightCount.Add(1)
}

func (m *Metrics) decInflightCount() {
	m.InflightCount.Add(-1)
}

// Register exports the counters to set as gauges named prefix + "_" + metric, with labels
// appended verbatim (e.g. `{pipe="plc1"}`). Registering the same name twice panics.
func (m *Metrics) Register(set *metrics.Set, prefix, labels string) {
	gauge := func(name string, load func() uint64) {
		set.NewGauge(prefix+"_"+name+labels, func() float64 { return float64(load()) })
	}

	gauge("connects_total", m.ConnectCount.Load)
	gauge("connect_errors_total", m.ConnectErrCount.Load)
	gauge("exchanges_total", m.ExchangeCount.Load)
	gauge("exchange_errors_total", m.ExchangeErrCount.Load)
	gauge("bytes_sent_total", m.BytesSent.Load)
	gauge("bytes_received_total", m.BytesRecv.Load)
	set.NewGauge(prefix+"_inflight"+labels, func() float64 { return float64(m.InflightCount.Load()) })
}
