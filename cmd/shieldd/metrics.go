// metrics.go - Metrics collection for the shielded token service
package main

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Histogram samples kept per series. Older samples are dropped.
const histogramWindow = 1000

// MetricsCollector accumulates counters, gauges, and windowed histograms.
type MetricsCollector struct {
	mu         sync.Mutex
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewMetricsCollector creates an empty collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

// IncrementCounter increments a counter metric
func (mc *MetricsCollector) IncrementCounter(name string, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.counters[makeKey(name, labels)]++
}

// SetGauge sets a gauge metric value
func (mc *MetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.gauges[makeKey(name, labels)] = value
}

// RecordHistogram records a value in a histogram
func (mc *MetricsCollector) RecordHistogram(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := makeKey(name, labels)
	values := append(mc.histograms[key], value)
	if len(values) > histogramWindow {
		values = values[len(values)-histogramWindow:]
	}
	mc.histograms[key] = values
}

// Counter returns the current value of a counter
func (mc *MetricsCollector) Counter(name string, labels map[string]string) int64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.counters[makeKey(name, labels)]
}

// Summary returns all collected metrics, histograms reduced to
// count/min/max/avg/sum
func (mc *MetricsCollector) Summary() map[string]interface{} {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	counters := make(map[string]int64, len(mc.counters))
	for key, value := range mc.counters {
		counters[key] = value
	}

	gauges := make(map[string]float64, len(mc.gauges))
	for key, value := range mc.gauges {
		gauges[key] = value
	}

	histograms := make(map[string]map[string]float64, len(mc.histograms))
	for key, values := range mc.histograms {
		if len(values) == 0 {
			continue
		}
		h := map[string]float64{
			"count": float64(len(values)),
			"min":   values[0],
			"max":   values[0],
			"sum":   0,
		}
		for _, v := range values {
			if v < h["min"] {
				h["min"] = v
			}
			if v > h["max"] {
				h["max"] = v
			}
			h["sum"] += v
		}
		h["avg"] = h["sum"] / h["count"]
		histograms[key] = h
	}

	return map[string]interface{}{
		"counters":   counters,
		"gauges":     gauges,
		"histograms": histograms,
	}
}

// makeKey builds a deterministic series key from a name and sorted labels
func makeKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('_')
		b.WriteString(k)
		b.WriteByte('_')
		b.WriteString(labels[k])
	}
	return b.String()
}

// Predefined metric names
const (
	MetricTransferAdmitted   = "transfer_admitted_count"
	MetricTransferRejected   = "transfer_rejected_count"
	MetricAdmissionTime      = "admission_time_seconds"
	MetricCircuitCompileTime = "circuit_compile_time_seconds"
	MetricEntropyAccepted    = "entropy_accepted_count"
	MetricEntropyRejected    = "entropy_rejected_count"
	MetricRotationCount      = "rotation_count"
	MetricCurrentEpoch       = "current_epoch"
	MetricStealthRecords     = "stealth_record_count"
	MetricRateLimited        = "rate_limited_count"
)

// Convenience methods for the admission pipeline

func (mc *MetricsCollector) RecordAdmission(duration time.Duration) {
	mc.IncrementCounter(MetricTransferAdmitted, nil)
	mc.RecordHistogram(MetricAdmissionTime, duration.Seconds(), nil)
}

func (mc *MetricsCollector) RecordRejection(reason string) {
	mc.IncrementCounter(MetricTransferRejected, map[string]string{"reason": reason})
}

func (mc *MetricsCollector) RecordEntropyEvent(source string, accepted bool) {
	name := MetricEntropyAccepted
	if !accepted {
		name = MetricEntropyRejected
	}
	mc.IncrementCounter(name, map[string]string{"source": source})
}

func (mc *MetricsCollector) RecordRotation(epochID uint64) {
	mc.IncrementCounter(MetricRotationCount, nil)
	mc.SetGauge(MetricCurrentEpoch, float64(epochID), nil)
}

func (mc *MetricsCollector) RecordCircuitCompile(duration time.Duration) {
	mc.RecordHistogram(MetricCircuitCompileTime, duration.Seconds(), nil)
}

func (mc *MetricsCollector) RecordRateLimited() {
	mc.IncrementCounter(MetricRateLimited, nil)
}
