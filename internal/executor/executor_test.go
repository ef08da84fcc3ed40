package executor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendiamond/adiskd/internal/bypass"
	"github.com/opendiamond/adiskd/internal/cache"
	"github.com/opendiamond/adiskd/internal/filtertable"
	"github.com/opendiamond/adiskd/internal/object"
	"github.com/opendiamond/adiskd/internal/signature"
)

func newTestExecutor(t *testing.T, filters []*filtertable.Descriptor) (*Executor, *Hooks) {
	t.Helper()
	db, err := cache.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tbl, err := filtertable.New(filters, nil, signature.Signature{})
	require.NoError(t, err)

	hooks := NewHooks(db)
	return New(db, tbl, hooks, nil), hooks
}

func alwaysRun(d *filtertable.Descriptor) {
	d.BpThresh.Store(bypass.RandMax)
}

func TestEvalPassCompleteRunsEveryFilterAndAnnotates(t *testing.T) {
	crop := &filtertable.Descriptor{Name: "crop", Threshold: 1, Eval: func(o *object.Object) (int, error) {
		o.Attributes.Write("cropped", []byte("yes"))
		return 5, nil
	}}
	alwaysRun(crop)

	exec, hooks := newTestExecutor(t, []*filtertable.Descriptor{crop})
	_ = hooks
	obj := object.New("diamond://obj/1", exec.Hooks)

	verdict, err := exec.Eval(obj, false)
	require.NoError(t, err)
	assert.Equal(t, PassComplete, verdict)

	score, ok := obj.Attributes.Read("_filter.crop_score")
	require.True(t, ok)
	assert.Equal(t, "5", string(score))

	_, ok = obj.Attributes.Read("_filter.total_time_ns")
	assert.True(t, ok)

	assert.EqualValues(t, 1, crop.Stats.Passed.Load())
	assert.EqualValues(t, 1, crop.Stats.Compute.Load())
}

func TestEvalDropsWhenScoreBelowThreshold(t *testing.T) {
	reject := &filtertable.Descriptor{Name: "reject", Threshold: 100, Eval: func(o *object.Object) (int, error) {
		return 1, nil
	}}
	alwaysRun(reject)

	exec, _ := newTestExecutor(t, []*filtertable.Descriptor{reject})
	obj := object.New("diamond://obj/2", exec.Hooks)

	verdict, err := exec.Eval(obj, false)
	require.NoError(t, err)
	assert.Equal(t, Drop, verdict)
	assert.EqualValues(t, 1, reject.Stats.Dropped.Load())
}

func TestEvalPassPartialOnBypass(t *testing.T) {
	f := &filtertable.Descriptor{Name: "maybe", Threshold: 1, Eval: func(o *object.Object) (int, error) {
		t.Fatal("filter should not run when bypassed")
		return 0, nil
	}}
	f.BpThresh.Store(-1)

	exec, _ := newTestExecutor(t, []*filtertable.Descriptor{f})
	obj := object.New("diamond://obj/3", exec.Hooks)

	verdict, err := exec.Eval(obj, false)
	require.NoError(t, err)
	assert.Equal(t, PassPartial, verdict)
}

func TestEvalForceEvalIgnoresBypass(t *testing.T) {
	ran := false
	f := &filtertable.Descriptor{Name: "forced", Threshold: 1, Eval: func(o *object.Object) (int, error) {
		ran = true
		return 10, nil
	}}
	f.BpThresh.Store(-1)

	exec, _ := newTestExecutor(t, []*filtertable.Descriptor{f})
	obj := object.New("diamond://obj/4", exec.Hooks)

	verdict, err := exec.Eval(obj, true)
	require.NoError(t, err)
	assert.Equal(t, PassComplete, verdict)
	assert.True(t, ran)
}

func TestEvalSecondCallHitsCache(t *testing.T) {
	calls := 0
	f := &filtertable.Descriptor{Name: "cached", Threshold: 1, Eval: func(o *object.Object) (int, error) {
		calls++
		return 9, nil
	}}
	alwaysRun(f)

	exec, hooks := newTestExecutor(t, []*filtertable.Descriptor{f})

	obj1 := object.New("diamond://obj/same", hooks)
	verdict, err := exec.Eval(obj1, false)
	require.NoError(t, err)
	assert.Equal(t, PassComplete, verdict)
	assert.Equal(t, 1, calls)

	// Re-evaluating the identically-attributed object should hit the cache
	// rather than invoke Eval again.
	obj2 := object.New("diamond://obj/same", hooks)
	verdict, err = exec.Eval(obj2, false)
	require.NoError(t, err)
	assert.Equal(t, PassComplete, verdict)
	assert.Equal(t, 1, calls, "second evaluation should be served from cache")
	assert.EqualValues(t, 1, f.Stats.CachePass.Load())
}

// TestEvalPassesThroughFilterError asserts spec.md §7's propagation
// policy: a filter crash counts as a filter error, not a search abort.
// The object is passed through with a diagnostic attribute instead of
// being dropped or Eval returning a hard error.
func TestEvalPassesThroughFilterError(t *testing.T) {
	wantErr := errors.New("boom")
	f := &filtertable.Descriptor{Name: "broken", Threshold: 1, Eval: func(o *object.Object) (int, error) {
		return 0, wantErr
	}}
	alwaysRun(f)

	exec, _ := newTestExecutor(t, []*filtertable.Descriptor{f})
	obj := object.New("diamond://obj/5", exec.Hooks)

	verdict, err := exec.Eval(obj, false)
	require.NoError(t, err)
	assert.Equal(t, PassComplete, verdict)
	assert.EqualValues(t, 1, f.Stats.Errored.Load())

	diag, ok := obj.Attributes.Read("_filter.broken_error")
	require.True(t, ok)
	assert.Equal(t, wantErr.Error(), string(diag))
}

// TestEvalContinuesAfterFilterErrorToNextFilter asserts that a filter
// error does not skip the remaining permutation: the next filter still
// runs and can still drop or pass the object on its own merits.
func TestEvalContinuesAfterFilterErrorToNextFilter(t *testing.T) {
	broken := &filtertable.Descriptor{Name: "broken", Threshold: 1, Eval: func(o *object.Object) (int, error) {
		return 0, errors.New("boom")
	}}
	alwaysRun(broken)

	ran := false
	after := &filtertable.Descriptor{Name: "after", Threshold: 1, Eval: func(o *object.Object) (int, error) {
		ran = true
		return 5, nil
	}}
	alwaysRun(after)

	exec, _ := newTestExecutor(t, []*filtertable.Descriptor{broken, after})
	obj := object.New("diamond://obj/6", exec.Hooks)

	verdict, err := exec.Eval(obj, false)
	require.NoError(t, err)
	assert.Equal(t, PassComplete, verdict)
	assert.True(t, ran, "filter after a failing one should still run")
}
