package driver

import (
	"github.com/rcrowley/go-metrics"
)

type stats struct {
	txPackets        metrics.Counter
	txBytes          metrics.Counter
	txDeferred       metrics.Counter
	txBackpressure   metrics.Counter
	txCoalesced      metrics.Counter
	txCoalesceFailed metrics.Counter
	txForcedReleases metrics.Counter
	rxPackets        metrics.Counter
	rxBytes          metrics.Counter
	rxErrors         metrics.Counter
	rxRunts          metrics.Counter
	rxAllocFailures  metrics.Counter
	protocolErrors   metrics.Counter
}

func newStats(r metrics.Registry) *stats {
	return &stats{
		txPackets:        metrics.GetOrRegisterCounter("tx.packets", r),
		txBytes:          metrics.GetOrRegisterCounter("tx.bytes", r),
		txDeferred:       metrics.GetOrRegisterCounter("tx.deferred", r),
		txBackpressure:   metrics.GetOrRegisterCounter("tx.backpressure", r),
		txCoalesced:      metrics.GetOrRegisterCounter("tx.coalesced", r),
		txCoalesceFailed: metrics.GetOrRegisterCounter("tx.coalesce_failed", r),
		txForcedReleases: metrics.GetOrRegisterCounter("tx.forced_releases", r),
		rxPackets:        metrics.GetOrRegisterCounter("rx.packets", r),
		rxBytes:          metrics.GetOrRegisterCounter("rx.bytes", r),
		rxErrors:         metrics.GetOrRegisterCounter("rx.errors", r),
		rxRunts:          metrics.GetOrRegisterCounter("rx.runts", r),
		rxAllocFailures:  metrics.GetOrRegisterCounter("rx.alloc_failures", r),
		protocolErrors:   metrics.GetOrRegisterCounter("protocol.errors", r),
	}
}

// Counters is a point-in-time snapshot of the per-device counters.
type Counters struct {
	TxPackets        int64
	TxBytes          int64
	TxDeferred       int64
	TxBackpressure   int64
	TxCoalesced      int64
	TxCoalesceFailed int64
	TxForcedReleases int64
	RxPackets        int64
	RxBytes          int64
	RxErrors         int64
	RxRunts          int64
	RxAllocFailures  int64
	ProtocolErrors   int64
}

func (d *Device) Counters() Counters {
	return Counters{
		TxPackets:        d.stats.txPackets.Count(),
		TxBytes:          d.stats.txBytes.Count(),
		TxDeferred:       d.stats.txDeferred.Count(),
		TxBackpressure:   d.stats.txBackpressure.Count(),
		TxCoalesced:      d.stats.txCoalesced.Count(),
		TxCoalesceFailed: d.stats.txCoalesceFailed.Count(),
		TxForcedReleases: d.stats.txForcedReleases.Count(),
		RxPackets:        d.stats.rxPackets.Count(),
		RxBytes:          d.stats.rxBytes.Count(),
		RxErrors:         d.stats.rxErrors.Count(),
		RxRunts:          d.stats.rxRunts.Count(),
		RxAllocFailures:  d.stats.rxAllocFailures.Count(),
		ProtocolErrors:   d.stats.protocolErrors.Count(),
	}
}

// Metrics exposes the device's metrics registry for export.
func (d *Device) Metrics() metrics.Registry {
	return d.registry
}
