package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendiamond/adiskd/internal/filtertable"
	"github.com/opendiamond/adiskd/internal/signature"
)

func buildTable(t *testing.T) *filtertable.Table {
	t.Helper()
	f := &filtertable.Descriptor{Name: "blur", Threshold: 1}
	table, err := filtertable.New([]*filtertable.Descriptor{f}, nil, signature.Signature{})
	require.NoError(t, err)
	return table
}

func TestBuildReflectsCounters(t *testing.T) {
	c := &Counters{}
	c.ObjsTotal.Store(10)
	c.ObjsProcessed.Store(4)
	c.ObjsDropped.Store(3)
	c.ObjsSkipped.Store(1)

	table := buildTable(t)
	table.Filters[0].Stats.Called.Add(5)
	table.Filters[0].Stats.Dropped.Add(2)

	snap := Build(c, table)
	assert.Equal(t, int64(10), snap.ObjsTotal)
	assert.Equal(t, int64(4), snap.ObjsProcessed)
	require.Len(t, snap.Filters, 1)
	assert.Equal(t, uint64(5), snap.Filters[0].Called)
	assert.Equal(t, uint64(2), snap.Filters[0].Dropped)
}

func TestExporterCollectEmitsMetricsForEachFilter(t *testing.T) {
	c := &Counters{}
	c.ObjsProcessed.Store(7)
	table := buildTable(t)
	table.Filters[0].Stats.Called.Add(3)

	exp := NewExporter("search-1", c, table)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(exp))

	families, err := reg.Gather()
	require.NoError(t, err)

	var sawCalled bool
	for _, fam := range families {
		if fam.GetName() == "adiskd_filter_called_total" {
			sawCalled = true
			require.Len(t, fam.Metric, 1)
			assert.Equal(t, float64(3), fam.Metric[0].GetCounter().GetValue())
			assertHasLabel(t, fam.Metric[0], "filter", "blur")
		}
	}
	assert.True(t, sawCalled)
}

func assertHasLabel(t *testing.T, m *dto.Metric, name, value string) {
	t.Helper()
	for _, l := range m.Label {
		if l.GetName() == name {
			assert.Equal(t, value, l.GetValue())
			return
		}
	}
	t.Fatalf("label %q not found", name)
}
