package proxy

import (
	"testing"

	"github.com/codefionn/httprelay/httprelay-srv/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingQueueDrainKeepsOrder(t *testing.T) {
	var q PendingQueue
	q.Push(codec.NewContent([]byte("one"), false))
	q.Push(codec.NewContent([]byte("two"), false))
	q.Push(codec.NewContent([]byte("three"), true))

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 11, q.Bytes())

	items := q.Drain()
	require.Len(t, items, 3)
	assert.Equal(t, "one", string(items[0].Bytes()))
	assert.Equal(t, "two", string(items[1].Bytes()))
	assert.Equal(t, "three", string(items[2].Bytes()))
	assert.True(t, items[2].Last)

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.Bytes())

	for _, c := range items {
		c.Release()
	}
}

func TestPendingQueueRelease(t *testing.T) {
	a := codec.NewContent([]byte("a"), false)
	b := codec.NewContent([]byte("b"), false)

	var q PendingQueue
	q.Push(a)
	q.Push(b)

	assert.Equal(t, 2, q.Release())
	assert.True(t, a.Released())
	assert.True(t, b.Released())
	assert.Equal(t, 0, q.Len())

	assert.Equal(t, 0, q.Release())
}
