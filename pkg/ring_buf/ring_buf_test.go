package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingBuf(t *testing.T) {
	t.Run("push and pop in order", func(t *testing.T) {
		r := require.New(t)

		rb := New[int](4)
		r.True(rb.Empty())
		r.Equal(4, rb.Cap())

		r.True(rb.Push(1))
		r.True(rb.Push(2))
		r.Equal(2, rb.Len())

		v, ok := rb.Pop()
		r.True(ok)
		r.Equal(1, v)

		v, ok = rb.Front()
		r.True(ok)
		r.Equal(2, v)

		v, ok = rb.Pop()
		r.True(ok)
		r.Equal(2, v)

		_, ok = rb.Pop()
		r.False(ok)
		r.True(rb.Empty())
	})

	t.Run("uses every slot before reporting full", func(t *testing.T) {
		r := require.New(t)

		rb := New[int](4)
		for i := 0; i < 4; i++ {
			r.True(rb.Push(i))
		}

		r.True(rb.Full())
		r.False(rb.Push(99))

		v, ok := rb.Pop()
		r.True(ok)
		r.Equal(0, v)

		r.True(rb.Push(4))
		r.True(rb.Full())
	})

	t.Run("wraps across many revolutions", func(t *testing.T) {
		r := require.New(t)

		rb := New[int](2)
		for i := 0; i < 1000; i++ {
			r.True(rb.Push(i))

			v, ok := rb.Pop()
			r.True(ok)
			r.Equal(i, v)
		}

		r.True(rb.Empty())
	})

	t.Run("rounds capacity up to a power of two", func(t *testing.T) {
		r := require.New(t)

		rb := New[string](3)
		r.Equal(4, rb.Cap())
	})
}
