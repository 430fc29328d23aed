package hedgenet

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gorgonia.org/gorgonia"
)

// HistogramBuckets is the number of equal width buckets of a Histogram.
const HistogramBuckets = 20

type probe struct {
	name  string
	nodes []*gorgonia.Node
}

// probe registers nodes whose values are summarized together under name.
func (m *Model) probe(name string, nodes ...*gorgonia.Node) {
	m.probes = append(m.probes, probe{name: name, nodes: nodes})
}

type Bucket struct {
	Lower float64
	Upper float64
	Count float64
}

// Histogram summarizes the values of an intermediate output or a parameter.
// NaN and infinite values are counted in NonFinite and left out of the rest.
type Histogram struct {
	Name      string
	Count     int
	NonFinite int
	Min       float64
	Max       float64
	Mean      float64
	StdDev    float64
	Buckets   []Bucket
}

func newHistogram(name string, values []float64) Histogram {
	h := Histogram{Name: name}
	finite := make([]float64, 0, len(values))
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			h.NonFinite++
			continue
		}
		finite = append(finite, v)
	}
	h.Count = len(finite)
	if h.Count == 0 {
		return h
	}

	sort.Float64s(finite)
	h.Min, h.Max = finite[0], finite[len(finite)-1]
	h.Mean, h.StdDev = stat.PopMeanStdDev(finite, nil)

	bins := HistogramBuckets
	if h.Min == h.Max {
		bins = 1
	}
	dividers := make([]float64, bins+1)
	floats.Span(dividers, h.Min, h.Max)
	dividers[bins] = math.Nextafter(h.Max, math.Inf(1))
	counts := stat.Histogram(nil, dividers, finite, nil)
	h.Buckets = make([]Bucket, bins)
	for i := range h.Buckets {
		h.Buckets[i] = Bucket{Lower: dividers[i], Upper: dividers[i+1], Count: counts[i]}
	}
	return h
}

// Summary runs a forward pass on feed and returns histograms of every probed
// intermediate output followed by every parameter.
func (m *Model) Summary(feed *Feed) ([]Histogram, error) {
	var hists []Histogram
	err := m.run(feed, func() error {
		for _, p := range m.probes {
			var values []float64
			for _, n := range p.nodes {
				values = append(values, floatsOf(n.Value())...)
			}
			hists = append(hists, newHistogram(p.name, values))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, p := range m.params {
		hists = append(hists, newHistogram(p.name, floatsOf(p.node.Value())))
	}
	return hists, nil
}
