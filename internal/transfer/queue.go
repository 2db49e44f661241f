package transfer

import "github.com/aalpar/deheap"

// queuedUpload is one entry in the admission queue: just enough to compute
// FIFO place-in-queue without coupling the heap to the full tracked
// bookkeeping.
type queuedUpload struct {
	id  string
	seq int64
}

// uploadQueue orders queued uploads by enqueue sequence number (ascending),
// giving O(log n) place-in-queue maintenance as transfers are admitted or
// cancelled out from under it. It implements deheap.Interface the same way
// a type implements container/heap.Interface.
type uploadQueue struct {
	items []*queuedUpload
	index map[string]int // id -> position, kept in sync by Swap
}

func newUploadQueue() *uploadQueue {
	q := &uploadQueue{index: map[string]int{}}
	deheap.Init(q)
	return q
}

func (q *uploadQueue) Len() int { return len(q.items) }

func (q *uploadQueue) Less(i, j int) bool { return q.items[i].seq < q.items[j].seq }

func (q *uploadQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.index[q.items[i].id] = i
	q.index[q.items[j].id] = j
}

func (q *uploadQueue) Push(x any) {
	item := x.(*queuedUpload)
	q.index[item.id] = len(q.items)
	q.items = append(q.items, item)
}

func (q *uploadQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	delete(q.index, item.id)
	return item
}

// Add inserts id with its enqueue sequence number.
func (q *uploadQueue) Add(id string, seq int64) {
	deheap.Push(q, &queuedUpload{id: id, seq: seq})
}

// Remove drops id from the queue, wherever it currently sits, typically
// because it was just admitted or cancelled.
func (q *uploadQueue) Remove(id string) {
	pos, ok := q.index[id]
	if !ok {
		return
	}
	deheap.Remove(q, pos)
}

// PlaceInQueue returns id's 1-based FIFO position (1 == next to admit), or
// 0 if id is not currently queued.
func (q *uploadQueue) PlaceInQueue(id string) int {
	target, ok := q.index[id]
	if !ok {
		return 0
	}
	targetSeq := q.items[target].seq
	place := 1
	for _, it := range q.items {
		if it.seq < targetSeq {
			place++
		}
	}
	return place
}
