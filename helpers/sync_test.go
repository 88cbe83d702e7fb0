package helpers

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestAtomicErrorStoreOnce(t *testing.T) {
	t.Parallel()

	var a AtomicError
	e, set := a.Load()
	assert.NoError(t, e)
	assert.False(t, set)

	first := errors.New("first")
	prev, wasSet := a.StoreOnce(first)
	assert.NoError(t, prev)
	assert.False(t, wasSet)

	prev, wasSet = a.StoreOnce(errors.New("second"))
	assert.Equal(t, first, prev)
	assert.True(t, wasSet)

	e, set = a.Load()
	assert.Equal(t, first, e)
	assert.True(t, set)
}

func TestFutureComplete(t *testing.T) {
	t.Parallel()

	f := NewFuture()
	assert.False(t, f.Done())
	assert.True(t, f.Complete(42))
	assert.False(t, f.Complete(43))
	assert.True(t, f.Done())
	assert.Equal(t, 42, f.Result())
	<-f.Completed()
}

func TestFutureCompleteError(t *testing.T) {
	t.Parallel()

	f := NewFuture()
	e := errors.New("boom")
	assert.True(t, f.Complete(e))
	assert.Equal(t, e, f.Result())
	<-f.Completed()
}
