package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushPop(t *testing.T) {
	requireT := require.New(t)

	p := New[int]()
	_, ok := p.Pop()
	requireT.False(ok)

	p.Push(1)
	p.Push(2)
	p.Push(3)
	requireT.EqualValues(3, p.Len())

	for _, expected := range []int{1, 2, 3} {
		v, ok := p.Pop()
		requireT.True(ok)
		requireT.Equal(expected, v)
	}
	_, ok = p.Pop()
	requireT.False(ok)
	requireT.Zero(p.Len())

	// Pipeline is usable after being emptied.
	p.Push(4)
	v, ok := p.Pop()
	requireT.True(ok)
	requireT.Equal(4, v)
}

func TestTake(t *testing.T) {
	requireT := require.New(t)

	p := New[string]()
	p.Push("a")
	p.Push("b")

	var values []string
	for n := p.Take(); n != nil; n = n.Next {
		values = append(values, n.Value)
	}
	requireT.Equal([]string{"a", "b"}, values)
	requireT.Zero(p.Len())
	requireT.Nil(p.Take())

	p.Push("c")
	requireT.EqualValues(1, p.Len())
	v, ok := p.Pop()
	requireT.True(ok)
	requireT.Equal("c", v)
}
