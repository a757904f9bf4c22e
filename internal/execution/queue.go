package execution

import (
	"container/heap"
	"time"

	"github.com/shopspring/decimal"

	"marketmaker/pkg/types"
)

// taskKind names the network operation a work item carries out.
type taskKind string

const (
	taskPlace  taskKind = "place"
	taskCancel taskKind = "cancel"
	taskModify taskKind = "modify"
)

// task is one unit of outbound exchange work. container/heap orders
// tasks by (priority, enqueued_at): emergency cancels (0) run before reset
// and strategy cancels (1), which run before places (5), and equal
// priorities run in FIFO order.
type task struct {
	kind       taskKind
	localID    types.LocalID
	side       types.Side
	price      decimal.Decimal
	qty        decimal.Decimal
	newPrice   *decimal.Decimal
	newQty     *decimal.Decimal
	clientID   string
	retryCount int
	priority   int
	enqueuedAt time.Time

	index int // heap bookkeeping
}

// taskQueue is a min-heap ordered by (priority, enqueuedAt).
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }
func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].enqueuedAt.Before(q[j].enqueuedAt)
}
func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}
func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

var _ heap.Interface = (*taskQueue)(nil)
