package sessionvars

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddAccumulatesIntoLocalOutsideGetSetWindow(t *testing.T) {
	v := New()
	v.Add("hits", 3)
	v.Add("hits", 4)
	assert.Equal(t, float64(7), v.Value("hits"))
}

func TestGetOpensWindowSoSubsequentAddsDoNotDoubleCount(t *testing.T) {
	v := New()
	v.Add("hits", 10)

	pairs := v.Get()
	assert.Equal(t, []Pair{{Name: "hits", Value: 10}}, pairs)

	// A filter on this or another server keeps adding while the client
	// aggregates; these must not land in Local until Set.
	v.Add("hits", 5)
	assert.Equal(t, float64(10), v.Value("hits"), "local must not change mid-aggregation")

	v.Set([]Pair{{Name: "hits", Value: 100}})
	assert.Equal(t, float64(5), v.Value("hits"), "local becomes the accumulated between_get_and_set delta")
}

func TestSetCreatesMissingVariable(t *testing.T) {
	v := New()
	v.Set([]Pair{{Name: "new", Value: 42}})
	assert.Equal(t, float64(0), v.Value("new"), "local starts at the zeroed between_get_and_set, not the received global")
}

func TestResetEmptiesTable(t *testing.T) {
	v := New()
	v.Add("hits", 1)
	v.Reset()
	assert.Equal(t, float64(0), v.Value("hits"))
}
