// Package histogram keeps fixed-bucket RTT distributions.
package histogram

import (
	"errors"
	"math"
)

// ErrLayoutMismatch is returned when merging histograms with different buckets.
var ErrLayoutMismatch = errors.New("histogram bucket layout mismatch")

// Config describes the bucket layout. All values share one unit (the pinger
// uses microseconds).
type Config struct {
	BucketSize uint32
	Min        uint32
	Max        uint32
}

// Histogram counts samples in buckets of BucketSize between Min and Max.
// Bucket 0 holds samples below Min and the last bucket holds samples at or
// above Max. It is not safe for concurrent use.
type Histogram struct {
	cfg       Config
	buckets   []uint64
	count     uint64
	sum       uint64
	maxSample uint32
}

func New(cfg Config) *Histogram {
	if cfg.BucketSize == 0 {
		cfg.BucketSize = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Min, cfg.Max = cfg.Max, cfg.Min
	}
	span, size := uint64(cfg.Max-cfg.Min), uint64(cfg.BucketSize)
	inner := (span + size - 1) / size
	return &Histogram{
		cfg:     cfg,
		buckets: make([]uint64, inner+2),
	}
}

func (h *Histogram) Config() Config {
	return h.cfg
}

func (h *Histogram) bucketIndex(v uint32) int {
	switch {
	case v < h.cfg.Min:
		return 0
	case v >= h.cfg.Max:
		return len(h.buckets) - 1
	default:
		return int((v-h.cfg.Min)/h.cfg.BucketSize) + 1
	}
}

// upperBound is the exclusive upper edge of bucket i.
func (h *Histogram) upperBound(i int) uint32 {
	switch {
	case i == 0:
		return h.cfg.Min
	case i >= len(h.buckets)-1:
		return h.cfg.Max
	}
	edge := uint64(h.cfg.Min) + uint64(i)*uint64(h.cfg.BucketSize)
	if edge > uint64(h.cfg.Max) {
		return h.cfg.Max
	}
	return uint32(edge)
}

func (h *Histogram) AddValue(v uint32) {
	h.buckets[h.bucketIndex(v)]++
	h.sum += uint64(v)
	h.count++
	if v > h.maxSample {
		h.maxSample = v
	}
}

func (h *Histogram) Count() uint64 {
	return h.count
}

// AverageAndCount returns the mean and sample count. The mean is 0 when the
// histogram is empty.
func (h *Histogram) AverageAndCount() (float64, uint64) {
	if h.count == 0 {
		return 0, 0
	}
	return float64(h.sum) / float64(h.count), h.count
}

// Percentile returns the upper edge of the first bucket whose cumulative
// count reaches fraction p of all samples. ok is false for an empty
// histogram.
func (h *Histogram) Percentile(p float64) (value uint32, ok bool) {
	if h.count == 0 {
		return 0, false
	}
	if math.IsNaN(p) || p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	target := p * float64(h.count)
	var cum uint64
	for i, n := range h.buckets {
		cum += n
		if cum > 0 && float64(cum) >= target {
			return h.upperBound(i), true
		}
	}
	return h.cfg.Max, true
}

// FractionClipped is the share of samples in the overflow bucket, 0 when
// empty.
func (h *Histogram) FractionClipped() float64 {
	if h.count == 0 {
		return 0
	}
	return float64(h.buckets[len(h.buckets)-1]) / float64(h.count)
}

// MaxSample is the largest value added, 0 when empty.
func (h *Histogram) MaxSample() uint32 {
	return h.maxSample
}

// Merge adds the samples of other into h.
func (h *Histogram) Merge(other *Histogram) error {
	if other == nil || other.count == 0 {
		return nil
	}
	if h.cfg != other.cfg {
		return ErrLayoutMismatch
	}
	for i, n := range other.buckets {
		h.buckets[i] += n
	}
	h.count += other.count
	h.sum += other.sum
	if other.maxSample > h.maxSample {
		h.maxSample = other.maxSample
	}
	return nil
}
