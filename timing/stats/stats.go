// Package stats provides the statistics registry shared by the pipeline
// stages. Stages own their counters and register pointers to them, so
// recording a statistic costs one increment.
package stats

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
)

type kind int

const (
	kindCounter kind = iota
	kindFormula
	kindDist
)

type entry struct {
	name    string
	desc    string
	kind    kind
	counter *uint64
	formula func() float64
	dist    *Distribution
}

type database struct {
	entries []*entry
	byName  map[string]*entry
}

// Registry collects named statistics. A Registry obtained from Scope shares
// its entries with the parent and prefixes every name.
type Registry struct {
	db     *database
	prefix string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{db: &database{byName: map[string]*entry{}}}
}

// Scope returns a view of r that prefixes names with prefix and a dot.
func (r *Registry) Scope(prefix string) *Registry {
	return &Registry{db: r.db, prefix: r.prefix + prefix + "."}
}

func (r *Registry) add(e *entry) {
	e.name = r.prefix + e.name
	if _, dup := r.db.byName[e.name]; dup {
		panic(fmt.Sprintf("stats: %q registered twice", e.name))
	}

	r.db.entries = append(r.db.entries, e)
	r.db.byName[e.name] = e
}

// Counter registers a counter owned by the caller.
func (r *Registry) Counter(name, desc string, v *uint64) {
	r.add(&entry{name: name, desc: desc, kind: kindCounter, counter: v})
}

// Formula registers a value derived from other statistics.
func (r *Registry) Formula(name, desc string, f func() float64) {
	r.add(&entry{name: name, desc: desc, kind: kindFormula, formula: f})
}

// Dist registers a distribution owned by the caller.
func (r *Registry) Dist(name, desc string, d *Distribution) {
	r.add(&entry{name: name, desc: desc, kind: kindDist, dist: d})
}

// Value returns the current value of a counter or formula.
func (r *Registry) Value(name string) (float64, bool) {
	e, ok := r.db.byName[r.prefix+name]
	if !ok {
		return 0, false
	}

	switch e.kind {
	case kindCounter:
		return float64(*e.counter), true
	case kindFormula:
		return e.formula(), true
	default:
		return float64(e.dist.Total()), true
	}
}

// Distribution returns a registered distribution.
func (r *Registry) Distribution(name string) (*Distribution, bool) {
	e, ok := r.db.byName[r.prefix+name]
	if !ok || e.kind != kindDist {
		return nil, false
	}

	return e.dist, true
}

// Render writes counters and formulas as one table and each distribution as
// its own table.
func (r *Registry) Render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Statistic", "Value", "Description"})
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	var dists []*entry
	for _, e := range r.db.entries {
		if !strings.HasPrefix(e.name, r.prefix) {
			continue
		}

		switch e.kind {
		case kindCounter:
			table.Append([]string{e.name, fmt.Sprintf("%d", *e.counter), e.desc})
		case kindFormula:
			table.Append([]string{e.name, formatFloat(e.formula()), e.desc})
		case kindDist:
			dists = append(dists, e)
		}
	}
	table.Render()

	for _, e := range dists {
		fmt.Fprintf(w, "\n%s: %s\n", e.name, e.desc)
		e.dist.render(w)
	}
}

func formatFloat(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

// Ratio returns a formula dividing num by den, or 0 when den is 0.
func Ratio(num, den *uint64) func() float64 {
	return func() float64 {
		if *den == 0 {
			return 0
		}
		return float64(*num) / float64(*den)
	}
}

// Distribution counts samples over a fixed set of buckets.
type Distribution struct {
	labels  []string
	buckets []uint64
	total   uint64
}

// NewDistribution creates a distribution with one bucket per label.
func NewDistribution(labels ...string) *Distribution {
	return &Distribution{
		labels:  labels,
		buckets: make([]uint64, len(labels)),
	}
}

// NewHistogram creates a distribution with n numbered buckets; the last
// bucket collects everything at or above n-1.
func NewHistogram(n int) *Distribution {
	labels := make([]string, n)
	for i := range labels {
		labels[i] = fmt.Sprintf("%d", i)
	}
	labels[n-1] += "+"

	return NewDistribution(labels...)
}

// AddSample records one sample in bucket i. Out of range samples land in
// the last bucket.
func (d *Distribution) AddSample(i int) {
	if i < 0 {
		i = 0
	}
	if i >= len(d.buckets) {
		i = len(d.buckets) - 1
	}

	d.buckets[i]++
	d.total++
}

// Count returns the number of samples in bucket i.
func (d *Distribution) Count(i int) uint64 {
	return d.buckets[i]
}

// Total returns the number of samples.
func (d *Distribution) Total() uint64 {
	return d.total
}

// PDF returns the fraction of samples in bucket i.
func (d *Distribution) PDF(i int) float64 {
	if d.total == 0 {
		return 0
	}
	return float64(d.buckets[i]) / float64(d.total)
}

func (d *Distribution) render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Bucket", "Count", "PDF"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for i, label := range d.labels {
		table.Append([]string{label, fmt.Sprintf("%d", d.buckets[i]), formatFloat(d.PDF(i))})
	}

	table.Render()
}

// Histogram counts samples keyed by name, for open-ended categories.
type Histogram struct {
	counts map[string]uint64
}

// NewNamedHistogram creates an empty named histogram.
func NewNamedHistogram() *Histogram {
	return &Histogram{counts: map[string]uint64{}}
}

// Add records one sample under key.
func (h *Histogram) Add(key string) {
	h.counts[key]++
}

// Count returns the samples recorded under key.
func (h *Histogram) Count(key string) uint64 {
	return h.counts[key]
}

// Top returns up to n keys with the largest counts.
func (h *Histogram) Top(n int) []string {
	keys := make([]string, 0, len(h.counts))
	for k := range h.counts {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		if h.counts[keys[i]] != h.counts[keys[j]] {
			return h.counts[keys[i]] > h.counts[keys[j]]
		}
		return keys[i] < keys[j]
	})

	if len(keys) > n {
		keys = keys[:n]
	}

	return keys
}

// Render writes the top n keys as a table.
func (h *Histogram) Render(w io.Writer, n int) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Key", "Count"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, k := range h.Top(n) {
		table.Append([]string{k, fmt.Sprintf("%d", h.counts[k])})
	}

	table.Render()
}
