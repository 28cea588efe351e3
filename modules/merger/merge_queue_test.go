package merger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/shardmerge/pkg/cursor"
)

func keyedRemote(keys ...int) *remoteCursor {
	r := &remoteCursor{cursorID: 1}
	for _, k := range keys {
		r.buffer = append(r.buffer, queryResult{
			doc: cursor.Document(`{}`),
			key: cursor.SortKey{float64(k)},
		})
	}
	return r
}

func TestMergeQueueOrdering(t *testing.T) {
	remotes := []*remoteCursor{
		keyedRemote(3, 9),
		keyedRemote(1, 4),
		keyedRemote(2),
	}

	q := newMergeQueue(remotes, cursor.Sort{cursor.Ascending})
	for i := range remotes {
		q.push(i)
	}

	// Pop heads in global order, re-pushing remotes that still have more.
	var got []int
	for !q.empty() {
		i := q.pop()
		r := remotes[i]
		got = append(got, int(r.popFront().key[0].(float64)))
		if r.hasNext() {
			q.push(i)
		}
	}

	require.Equal(t, []int{1, 2, 3, 4, 9}, got)
}

func TestMergeQueueDescending(t *testing.T) {
	remotes := []*remoteCursor{
		keyedRemote(3),
		keyedRemote(7),
		keyedRemote(5),
	}

	q := newMergeQueue(remotes, cursor.Sort{cursor.Descending})
	for i := range remotes {
		q.push(i)
	}

	var got []int
	for !q.empty() {
		i := q.pop()
		got = append(got, int(remotes[i].popFront().key[0].(float64)))
	}

	require.Equal(t, []int{7, 5, 3}, got)
}
