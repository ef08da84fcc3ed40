package object

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDSigIsDeterministic(t *testing.T) {
	a := New("obj/a", nil)
	b := New("obj/a", nil)
	assert.True(t, a.IDSig.Equal(b.IDSig))
}

func TestRefcountReleaseReturnsTrueAtZero(t *testing.T) {
	o := New("obj/a", nil)
	o.Ref()
	assert.False(t, o.Release())
	assert.True(t, o.Release())
}

func TestRemainingComputeFloorsAtZero(t *testing.T) {
	o := New("obj/a", nil)
	o.SetRemainingCompute(5)
	o.ReduceRemainingCompute(10)
	assert.Equal(t, int64(0), o.RemainingCompute())
}
