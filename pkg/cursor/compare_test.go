package cursor

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSortCompare(t *testing.T) {
	tests := []struct {
		name     string
		sort     Sort
		a        SortKey
		b        SortKey
		expected int
	}{
		{
			name:     "ascending numbers",
			sort:     Sort{Ascending},
			a:        SortKey{float64(1)},
			b:        SortKey{float64(2)},
			expected: -1,
		},
		{
			name:     "descending numbers",
			sort:     Sort{Descending},
			a:        SortKey{float64(1)},
			b:        SortKey{float64(2)},
			expected: 1,
		},
		{
			name:     "equal keys",
			sort:     Sort{Ascending},
			a:        SortKey{float64(7)},
			b:        SortKey{float64(7)},
			expected: 0,
		},
		{
			name:     "second position breaks tie",
			sort:     Sort{Ascending, Descending},
			a:        SortKey{"x", float64(1)},
			b:        SortKey{"x", float64(2)},
			expected: 1,
		},
		{
			name:     "strings byte-wise",
			sort:     Sort{Ascending},
			a:        SortKey{"abc"},
			b:        SortKey{"abd"},
			expected: -1,
		},
		{
			name:     "null sorts before numbers",
			sort:     Sort{Ascending},
			a:        SortKey{nil},
			b:        SortKey{float64(-100)},
			expected: -1,
		},
		{
			name:     "numbers sort before strings",
			sort:     Sort{Ascending},
			a:        SortKey{float64(100)},
			b:        SortKey{""},
			expected: -1,
		},
		{
			name:     "strings sort before bools",
			sort:     Sort{Ascending},
			a:        SortKey{"z"},
			b:        SortKey{false},
			expected: -1,
		},
		{
			name:     "false sorts before true",
			sort:     Sort{Ascending},
			a:        SortKey{false},
			b:        SortKey{true},
			expected: -1,
		},
		{
			name:     "prefix sorts first",
			sort:     Sort{Ascending, Ascending},
			a:        SortKey{float64(1)},
			b:        SortKey{float64(1), float64(0)},
			expected: -1,
		},
		{
			name:     "positions beyond the sort spec compare ascending",
			sort:     Sort{Descending},
			a:        SortKey{float64(1), float64(2)},
			b:        SortKey{float64(1), float64(3)},
			expected: -1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.sort.Compare(tc.a, tc.b))
			require.Equal(t, -tc.expected, tc.sort.Compare(tc.b, tc.a))
		})
	}
}

func TestSortYAML(t *testing.T) {
	var s Sort
	require.NoError(t, yaml.Unmarshal([]byte(`[asc, desc]`), &s))
	require.Equal(t, Sort{Ascending, Descending}, s)

	out, err := yaml.Marshal(s)
	require.NoError(t, err)

	var rt Sort
	require.NoError(t, yaml.Unmarshal(out, &rt))
	require.Equal(t, s, rt)

	require.Error(t, yaml.Unmarshal([]byte(`[sideways]`), &s))
}
