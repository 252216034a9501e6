package packet

// DefaultReplayWindowSize is the number of recent ids remembered by a
// ReplayWindow.
const DefaultReplayWindowSize = 1024

// ReplayWindow is a sliding bitmap over the most recent packet ids. Ids at or
// below the window floor and ids already marked are rejected.
type ReplayWindow struct {
	bitmap  []uint64
	size    uint32
	highest PacketID
	started bool
}

// NewReplayWindow returns a window remembering maxPackets ids, rounded up to
// a multiple of 64.
func NewReplayWindow(maxPackets int) *ReplayWindow {
	if maxPackets <= 0 {
		maxPackets = DefaultReplayWindowSize
	}
	words := (maxPackets + 63) / 64
	return &ReplayWindow{
		bitmap: make([]uint64, words),
		size:   uint32(words * 64),
	}
}

// Check reports whether id would be accepted, without recording it. Callers
// authenticate the packet first and Mark it afterwards.
func (w *ReplayWindow) Check(id PacketID) bool {
	if !w.started || id > w.highest {
		return true
	}
	if uint32(w.highest-id) >= w.size {
		return false
	}
	return !w.test(id)
}

// Mark records id as seen and slides the window forward if needed.
func (w *ReplayWindow) Mark(id PacketID) {
	if !w.started {
		w.started = true
		w.highest = id
	} else if id > w.highest {
		if uint32(id-w.highest) >= w.size {
			for i := range w.bitmap {
				w.bitmap[i] = 0
			}
		} else {
			for i := w.highest + 1; i != id+1; i++ {
				w.clear(i)
			}
		}
		w.highest = id
	}
	w.set(id)
}

// Accept checks and marks id in one step.
func (w *ReplayWindow) Accept(id PacketID) bool {
	if !w.Check(id) {
		return false
	}
	w.Mark(id)
	return true
}

// Highest returns the newest id seen so far.
func (w *ReplayWindow) Highest() PacketID {
	return w.highest
}

func (w *ReplayWindow) Reset() {
	for i := range w.bitmap {
		w.bitmap[i] = 0
	}
	w.highest = 0
	w.started = false
}

func (w *ReplayWindow) index(id PacketID) (int, uint64) {
	bit := uint32(id) % w.size
	return int(bit / 64), 1 << (bit % 64)
}

func (w *ReplayWindow) test(id PacketID) bool {
	i, m := w.index(id)
	return w.bitmap[i]&m != 0
}

func (w *ReplayWindow) set(id PacketID) {
	i, m := w.index(id)
	w.bitmap[i] |= m
}

func (w *ReplayWindow) clear(id PacketID) {
	i, m := w.index(id)
	w.bitmap[i] &^= m
}
