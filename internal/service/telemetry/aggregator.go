package telemetry

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	runtimetelemetry "github.com/splax/localvercel/edge/pkg/runtime/telemetry"
)

type bucketKey struct {
	computeID string
	start     time.Time
}

type rollupBucket struct {
	count      int64
	errorCount int64
	bytesIn    int64
	bytesOut   int64
	latencies  []float64
	latencySum float64
	latencyMax float64
}

type rollupAggregator struct {
	mu         sync.Mutex
	span       time.Duration
	maxSamples int
	buckets    map[bucketKey]*rollupBucket
	random     *rand.Rand
}

const defaultRollupSamples = 512

func newRollupAggregator(span time.Duration, maxSamples int, seed int64) *rollupAggregator {
	if span <= 0 {
		span = time.Minute
	}
	if maxSamples <= 0 {
		maxSamples = defaultRollupSamples
	}
	return &rollupAggregator{
		span:       span,
		maxSamples: maxSamples,
		buckets:    make(map[bucketKey]*rollupBucket),
		random:     rand.New(rand.NewSource(seed)),
	}
}

func (a *rollupAggregator) add(computeID string, at time.Time, latency time.Duration, bytesIn, bytesOut int64, isError bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := bucketKey{computeID: computeID, start: at.Truncate(a.span)}
	bucket := a.buckets[key]
	if bucket == nil {
		bucket = &rollupBucket{}
		a.buckets[key] = bucket
	}
	bucket.count++
	if isError {
		bucket.errorCount++
	}
	bucket.bytesIn += bytesIn
	bucket.bytesOut += bytesOut

	ms := float64(latency) / float64(time.Millisecond)
	bucket.latencySum += ms
	if ms > bucket.latencyMax {
		bucket.latencyMax = ms
	}
	// Reservoir sampling keeps memory bounded for hot compute units.
	if len(bucket.latencies) < a.maxSamples {
		bucket.latencies = append(bucket.latencies, ms)
	} else {
		bucket.latencies[a.random.Intn(a.maxSamples)] = ms
	}
}

// flushBefore returns and forgets buckets that closed before cutoff.
func (a *rollupAggregator) flushBefore(cutoff time.Time) []runtimetelemetry.Rollup {
	a.mu.Lock()
	defer a.mu.Unlock()

	var rollups []runtimetelemetry.Rollup
	for key, bucket := range a.buckets {
		if key.start.Add(a.span).After(cutoff) {
			continue
		}
		rollups = append(rollups, bucket.toRollup(key, a.span))
		delete(a.buckets, key)
	}
	sortRollups(rollups)
	return rollups
}

func (a *rollupAggregator) flushAll() []runtimetelemetry.Rollup {
	a.mu.Lock()
	defer a.mu.Unlock()

	rollups := make([]runtimetelemetry.Rollup, 0, len(a.buckets))
	for key, bucket := range a.buckets {
		rollups = append(rollups, bucket.toRollup(key, a.span))
		delete(a.buckets, key)
	}
	sortRollups(rollups)
	return rollups
}

func sortRollups(rollups []runtimetelemetry.Rollup) {
	sort.Slice(rollups, func(i, j int) bool {
		if rollups[i].ComputeID != rollups[j].ComputeID {
			return rollups[i].ComputeID < rollups[j].ComputeID
		}
		return rollups[i].BucketStart.Before(rollups[j].BucketStart)
	})
}

func (b *rollupBucket) toRollup(key bucketKey, span time.Duration) runtimetelemetry.Rollup {
	r := runtimetelemetry.Rollup{
		ComputeID:   key.computeID,
		BucketStart: key.start,
		BucketSpan:  span,
		Count:       b.count,
		ErrorCount:  b.errorCount,
		BytesIn:     b.bytesIn,
		BytesOut:    b.bytesOut,
	}
	if b.count > 0 {
		avg := b.latencySum / float64(b.count)
		max := b.latencyMax
		r.AvgMS = &avg
		r.MaxMS = &max
	}
	if len(b.latencies) > 0 {
		sorted := append([]float64(nil), b.latencies...)
		sort.Float64s(sorted)
		p50 := percentile(sorted, 0.50)
		p90 := percentile(sorted, 0.90)
		p95 := percentile(sorted, 0.95)
		p99 := percentile(sorted, 0.99)
		r.P50MS = &p50
		r.P90MS = &p90
		r.P95MS = &p95
		r.P99MS = &p99
	}
	return r
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	pos := p * float64(len(values)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return values[lower]
	}
	weight := pos - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}
