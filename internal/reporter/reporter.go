// Package reporter prints the per-span latency and counter histogram
// summaries spec.md §4.6 describes, at observer shutdown.
package reporter

import (
	"fmt"
	"io"
	"math"
	"strings"

	hdr "github.com/HdrHistogram/hdrhistogram-go"

	"github.com/dshulyak/perfspan/internal/histogram"
)

// defaultBuckets is the CLI's -b/--buckets default.
const defaultBuckets = 10

// barWidth is the maximum bar length, in asterisks, spec.md §4.6 specifies.
const barWidth = 50

// Reporter prints store's histograms for spanNames, in declaration order.
type Reporter struct {
	w         io.Writer
	store     *histogram.Store
	spanNames []string
	buckets   int
}

// New builds a Reporter writing to w, summarizing spanNames (in
// declaration order) from store with buckets linear buckets per
// distribution. buckets <= 0 is replaced with the CLI default of 10.
func New(w io.Writer, store *histogram.Store, spanNames []string, buckets int) *Reporter {
	if buckets <= 0 {
		buckets = defaultBuckets
	}
	return &Reporter{w: w, store: store, spanNames: spanNames, buckets: buckets}
}

// Report prints every watched span's latency summary/distribution followed
// by one summary/distribution per enabled counter.
func (r *Reporter) Report() {
	for _, name := range r.spanNames {
		fmt.Fprintf(r.w, "SPAN: %s\n", name)

		if h, err := r.store.LatencySnapshot(name); err == nil {
			printSummary(r.w, h, true)
			printDistribution(r.w, h, r.buckets, true)
		}

		for i, counterName := range r.store.CounterNames() {
			h, err := r.store.CounterSnapshot(name, uint32(i))
			if err != nil {
				continue
			}
			fmt.Fprintf(r.w, "%s %s\n", name, counterName)
			printSummary(r.w, h, false)
			printDistribution(r.w, h, r.buckets, false)
		}
		fmt.Fprintln(r.w)
	}
}

func printSummary(w io.Writer, h *hdr.Histogram, asMicros bool) {
	count := h.TotalCount()
	if count == 0 {
		fmt.Fprintln(w, "  no samples")
		return
	}
	conv := func(v int64) float64 {
		if asMicros {
			return float64(v) / 1000
		}
		return float64(v)
	}
	fmt.Fprintf(w, "  count=%d min=%.2f max=%.2f mean=%.2f stdev=%.2f p80=%.2f p95=%.2f\n",
		count,
		conv(h.Min()),
		conv(h.Max()),
		conv(int64(h.Mean())),
		conv(int64(h.StdDev())),
		conv(h.ValueAtPercentile(80)),
		conv(h.ValueAtPercentile(95)),
	)
}

// printDistribution prints a linear distribution of buckets equal-width
// buckets, skipping leading buckets below the 1st percentile, as spec.md
// §4.6 describes. It builds the linear view on top of the HDR histogram's
// own (non-uniform) internal bars, which spec.md §3 treats as an opaque
// collaborator: each bar's count is folded into the linear bucket
// containing the bar's lower bound.
func printDistribution(w io.Writer, h *hdr.Histogram, buckets int, asMicros bool) {
	total := h.TotalCount()
	if total == 0 {
		return
	}

	low := h.ValueAtPercentile(1)
	max := h.Max()
	if max < low {
		max = low
	}
	width := (max - low + 1) / int64(buckets)
	if width < 1 {
		width = 1
	}

	counts := make([]int64, buckets)
	for _, bar := range h.Distribution() {
		if bar.Count == 0 || bar.From < low {
			continue
		}
		idx := (bar.From - low) / width
		if idx >= int64(buckets) {
			idx = int64(buckets) - 1
		}
		counts[idx] += bar.Count
	}

	shown := total
	if shown == 0 {
		shown = 1
	}
	conv := func(v int64) float64 {
		if asMicros {
			return float64(v) / 1000
		}
		return float64(v)
	}
	for i, c := range counts {
		if c == 0 {
			continue
		}
		from := low + int64(i)*width
		to := from + width - 1
		barLen := int(math.Ceil(float64(c) * barWidth / float64(shown)))
		fmt.Fprintf(w, "  [%12.2f, %12.2f) %8d %s\n", conv(from), conv(to), c, strings.Repeat("*", barLen))
	}
}
