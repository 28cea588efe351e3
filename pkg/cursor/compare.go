package cursor

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Direction orders one position of a sort specification.
type Direction int8

const (
	Ascending  Direction = 1
	Descending Direction = -1
)

func (d Direction) String() string {
	switch d {
	case Ascending:
		return "asc"
	case Descending:
		return "desc"
	}
	return fmt.Sprintf("unknown(%d)", int8(d))
}

func (d *Direction) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch s {
	case "asc":
		*d = Ascending
	case "desc":
		*d = Descending
	default:
		return fmt.Errorf("invalid sort direction %q", s)
	}
	return nil
}

func (d Direction) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Sort is the ordering specification of a merge, one direction per sort key
// position. Field names are irrelevant to the merge tier; remotes already
// projected the keys positionally. An empty Sort means an unsorted merge.
type Sort []Direction

func (s Sort) Empty() bool {
	return len(s) == 0
}

// Compare orders two sort keys field-wise under the specification. Positions
// beyond the specification compare ascending; a key that is a strict prefix
// of the other sorts first.
func (s Sort) Compare(a, b SortKey) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	for i := 0; i < n; i++ {
		c := compareValues(a[i], b[i])
		if i < len(s) && s[i] == Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}

	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// Values of different types order by type: null < number < string < bool.
func typeRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case float64:
		return 1
	case string:
		return 2
	case bool:
		return 3
	}
	return 4
}

func compareValues(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch av := a.(type) {
	case nil:
		return 0
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		bv := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case bool:
		bv := b.(bool)
		switch {
		case !av && bv:
			return -1
		case av && !bv:
			return 1
		}
		return 0
	}
	return 0
}
