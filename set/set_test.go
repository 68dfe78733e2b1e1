package set

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetInsertContains(t *testing.T) {
	s := New("alpha", "beta")
	assert.True(t, s.Contains("alpha"))
	assert.True(t, s.Contains("beta"))
	assert.False(t, s.Contains("gamma"))

	s.Insert("gamma")
	assert.True(t, s.Contains("gamma"))
	assert.Equal(t, 3, s.Len())

	s.Insert("gamma")
	assert.Equal(t, 3, s.Len(), "inserting an existing member is a no-op")
}

func TestSetRemove(t *testing.T) {
	s := New(1, 2, 3)
	s.Remove(2)
	assert.False(t, s.Contains(2))
	assert.Equal(t, 2, s.Len())

	s.Remove(42)
	assert.Equal(t, 2, s.Len(), "removing a non-member is a no-op")
}

func TestSetItems(t *testing.T) {
	s := New("c", "a", "b")
	assert.ElementsMatch(t, []string{"a", "b", "c"}, s.Items())
	assert.Equal(t, []string{"a", "b", "c"}, Sorted(s))
}

func TestSetZeroValue(t *testing.T) {
	var s Set[string]
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Contains("anything"))
	assert.Empty(t, s.Items())

	s.Insert("first")
	assert.True(t, s.Contains("first"))
	assert.Equal(t, []string{"first"}, Sorted(&s))
}

func TestSetEmpty(t *testing.T) {
	s := New[int]()
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, Sorted(s))
}
