package sliceutils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemoveDuplicates(t *testing.T) {
	require.Nil(t, RemoveDuplicates[string](nil))
	require.Equal(t, []string{"a", "b", "c"}, RemoveDuplicates([]string{"a", "b", "a", "c", "b"}))
	require.Equal(t, []int{3, 1, 2}, RemoveDuplicates([]int{3, 3, 1, 2, 1}))
}
