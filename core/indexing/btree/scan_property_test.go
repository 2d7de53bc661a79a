package btree

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	internaltelemetry "github.com/sushant-115/rangescan/internal/telemetry"
	"github.com/zeebo/mwc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func randomBound(rng *mwc.T, hi int) ([]byte, BoundMode) {
	mode := BoundMode(rng.Uint64n(3))
	if mode == BoundNone {
		return nil, mode
	}
	return key(int(rng.Uint64n(uint64(hi)))), mode
}

func TestRangeScanRandomized(t *testing.T) {
	rng := mwc.Rand()
	ctx := context.Background()

	for range 10 {
		var ids []int
		for i := range 600 {
			if rng.Uint32n(3) == 0 {
				ids = append(ids, i)
			}
		}
		tt := setupTree(t, ids, 2+int(rng.Uint64n(10)))
		env := tt.newScan(Options{})

		for range 40 {
			lk, lm := randomBound(rng, 620)
			rk, rm := randomBound(rng, 620)
			kr := NewKeyRange(lk, lm, rk, rm)

			var want []string
			for _, k := range tt.keys {
				if kr.Contains(k) {
					want = append(want, string(k))
				}
			}

			it := env.scan(t, kr)
			var got []string
			var prev []byte
			for {
				kv, ok, err := it.Next(ctx)
				require.NoError(t, err)
				if !ok {
					break
				}
				require.True(t, kr.Contains(kv.Key), "%q outside %s", kv.Key, kr)
				if prev != nil {
					require.Positive(t, bytes.Compare(kv.Key, prev))
				}
				prev = kv.Key
				got = append(got, string(kv.Key))
				require.LessOrEqual(t, env.txn.Outstanding(), tt.res.Height)
			}
			require.Equal(t, want, got, "range %s", kr)
			env.requireNothingHeld(t)
		}
		require.LessOrEqual(t, env.txn.PeakOutstanding(), tt.res.Height+1)
	}
}

func sumInt64(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is %T", name, m.Data)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatalf("metric %s not recorded", name)
	return 0
}

func TestRangeScanMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	metrics, err := internaltelemetry.NewScanMetrics(provider.Meter("btree_test"))
	require.NoError(t, err)

	tt := setupSmallTree(t)
	env := tt.newScan(Options{Metrics: metrics})

	it := env.scan(t, Closed(key(3), key(9)))
	require.Equal(t, keyStrings(3, 5, 7, 9), collect(t, it))
	stats := it.Stats()
	require.Equal(t, ScanStats{Pairs: 4, Leaves: 2, InternalPages: 1, BytesCopied: stats.BytesCopied}, stats)
	require.Positive(t, stats.BytesCopied)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.EqualValues(t, 4, sumInt64(t, rm, "rangescan.btree.scan.pairs_total"))
	require.EqualValues(t, 2, sumInt64(t, rm, "rangescan.btree.scan.leaves_total"))
	require.EqualValues(t, 1, sumInt64(t, rm, "rangescan.btree.scan.internal_pages_total"))
	require.EqualValues(t, stats.BytesCopied, sumInt64(t, rm, "rangescan.btree.scan.bytes_copied_total"))
	require.Zero(t, sumInt64(t, rm, "rangescan.btree.scan.held_locks"))

	leaves := tt.leafPageIDs()
	tt.rewritePage(leaves[1], false, func(data []byte) { data[40] ^= 1 })
	env = tt.newScan(Options{Metrics: metrics})
	_, err = drain(env.scan(t, All()))
	require.ErrorIs(t, err, ErrCorruption)

	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.EqualValues(t, 1, sumInt64(t, rm, "rangescan.btree.scan.corruption_faults_total"))
	require.Zero(t, sumInt64(t, rm, "rangescan.btree.scan.held_locks"))
}
