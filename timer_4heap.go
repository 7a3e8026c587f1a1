package goco

// timer4Heap is a 4-ary min-heap of Timers. Not thread-safe; TimeEvent
// guards it with its RWMutex.
type timer4Heap struct {
	fheap []*Timer
}

func newTimer4Heap(initCap int) timer4Heap {
	if initCap < 1 {
		panic("timer4Heap initCap invalid!")
	}
	return timer4Heap{fheap: make([]*Timer, 0, initCap)}
}

func (th *timer4Heap) size() int {
	return len(th.fheap)
}

func (th *timer4Heap) top() *Timer {
	if len(th.fheap) == 0 {
		return nil
	}
	return th.fheap[0]
}

func (th *timer4Heap) push(t *Timer) {
	t.index = len(th.fheap)
	th.fheap = append(th.fheap, t)
	th.shiftUp(t.index)
}

// popDue pops the earliest timer if its deadline <= now
func (th *timer4Heap) popDue(now int64) *Timer {
	if len(th.fheap) == 0 || th.fheap[0].deadline.Load() > now {
		return nil
	}
	return th.removeAt(0)
}

func (th *timer4Heap) removeAt(i int) *Timer {
	t := th.fheap[i]
	last := len(th.fheap) - 1
	if i != last {
		th.swap(i, last)
	}
	th.fheap[last] = nil
	th.fheap = th.fheap[:last]
	if i != last {
		th.fix(i)
	}
	t.index = -1
	return t
}

// fix restores the order after fheap[i] changed its deadline
func (th *timer4Heap) fix(i int) {
	if i > 0 && th.fheap[i].less(th.fheap[(i-1)/4]) {
		th.shiftUp(i)
		return
	}
	th.shiftDown(i)
}

func (th *timer4Heap) swap(i, j int) {
	th.fheap[i], th.fheap[j] = th.fheap[j], th.fheap[i]
	th.fheap[i].index = i
	th.fheap[j].index = j
}

func (th *timer4Heap) shiftUp(index int) {
	parent := (index - 1) / 4
	for index > 0 && th.fheap[index].less(th.fheap[parent]) {
		th.swap(index, parent)
		index = parent
		parent = (index - 1) / 4
	}
}

func (th *timer4Heap) shiftDown(index int) {
	size := len(th.fheap)
	for {
		smallest := index
		childStart := 4*index + 1
		if childStart >= size {
			break
		}
		for i := childStart; i < childStart+4 && i < size; i++ {
			if th.fheap[i].less(th.fheap[smallest]) {
				smallest = i
			}
		}
		if smallest == index {
			break
		}
		th.swap(index, smallest)
		index = smallest
	}
}
