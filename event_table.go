package goco

import (
	"sync"
)

type eventSlot struct {
	ev  *Event
	gen uint32
}

// eventTable maps a handle to the one Event registered for it on a shard.
// Handles below arrSize use the array, larger ones fall back to the map.
// The generation stored with each slot travels in the epoll user data, so
// a readiness reported for an older registration is recognized as stale.
type eventTable struct {
	arrSize int
	arr     []eventSlot

	sMap map[int]eventSlot
	n    int
	mtx  sync.Mutex
}

func newEventTable(arrSize int) *eventTable {
	if arrSize < 1 {
		panic("eventTable arrSize < 1")
	}
	mapPreSize := arrSize / 9
	if mapPreSize < 128 {
		mapPreSize = 128
	}
	return &eventTable{
		arrSize: arrSize,
		arr:     make([]eventSlot, arrSize),
		sMap:    make(map[int]eventSlot, mapPreSize),
	}
}

func (et *eventTable) load(fd int) (*Event, uint32) {
	et.mtx.Lock()
	defer et.mtx.Unlock()
	return et.loadLocked(fd)
}

func (et *eventTable) loadLocked(fd int) (*Event, uint32) {
	if fd < et.arrSize {
		s := et.arr[fd]
		return s.ev, s.gen
	}
	s := et.sMap[fd]
	return s.ev, s.gen
}

// store fails when fd already holds another Event
func (et *eventTable) store(fd int, ev *Event, gen uint32) bool {
	et.mtx.Lock()
	defer et.mtx.Unlock()
	if old, _ := et.loadLocked(fd); old != nil {
		return false
	}
	if fd < et.arrSize {
		et.arr[fd] = eventSlot{ev: ev, gen: gen}
	} else {
		et.sMap[fd] = eventSlot{ev: ev, gen: gen}
	}
	et.n++
	return true
}

// remove clears fd only if it still holds ev
func (et *eventTable) remove(fd int, ev *Event) bool {
	et.mtx.Lock()
	defer et.mtx.Unlock()
	if old, _ := et.loadLocked(fd); old != ev || old == nil {
		return false
	}
	if fd < et.arrSize {
		et.arr[fd] = eventSlot{}
	} else {
		delete(et.sMap, fd)
	}
	et.n--
	return true
}

func (et *eventTable) len() int {
	et.mtx.Lock()
	defer et.mtx.Unlock()
	return et.n
}

func (et *eventTable) each(fn func(fd int, ev *Event)) {
	et.mtx.Lock()
	evs := make([]*Event, 0, et.n)
	for i := range et.arr {
		if et.arr[i].ev != nil {
			evs = append(evs, et.arr[i].ev)
		}
	}
	for _, s := range et.sMap {
		evs = append(evs, s.ev)
	}
	et.mtx.Unlock()
	for _, ev := range evs {
		fn(ev.handle, ev)
	}
}
