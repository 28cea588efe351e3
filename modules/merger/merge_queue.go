package merger

import (
	"container/heap"

	"github.com/grafana/shardmerge/pkg/cursor"
)

// mergeQueue is a min-heap of remote indices ordered by the sort key of each
// remote's buffered head document. An index is present at most once and only
// while that remote's buffer is non-empty; it is pushed when the remote turns
// non-empty and re-pushed after a pop that leaves more behind, never rebuilt.
type mergeQueue struct {
	remotes []*remoteCursor
	sort    cursor.Sort
	idx     []int
}

func newMergeQueue(remotes []*remoteCursor, sort cursor.Sort) *mergeQueue {
	return &mergeQueue{
		remotes: remotes,
		sort:    sort,
		idx:     make([]int, 0, len(remotes)),
	}
}

func (q *mergeQueue) Len() int {
	return len(q.idx)
}

func (q *mergeQueue) Less(i, j int) bool {
	lhs := q.remotes[q.idx[i]].front().key
	rhs := q.remotes[q.idx[j]].front().key
	return q.sort.Compare(lhs, rhs) < 0
}

func (q *mergeQueue) Swap(i, j int) {
	q.idx[i], q.idx[j] = q.idx[j], q.idx[i]
}

func (q *mergeQueue) Push(x interface{}) {
	q.idx = append(q.idx, x.(int))
}

func (q *mergeQueue) Pop() interface{} {
	last := q.idx[len(q.idx)-1]
	q.idx = q.idx[:len(q.idx)-1]
	return last
}

func (q *mergeQueue) empty() bool {
	return len(q.idx) == 0
}

// push records that the remote's buffer turned non-empty.
func (q *mergeQueue) push(remoteIndex int) {
	heap.Push(q, remoteIndex)
}

// pop returns the remote whose head document sorts smallest.
func (q *mergeQueue) pop() int {
	return heap.Pop(q).(int)
}
