package vm

// ---------------------------------------------------------------------------
// Arena: allocator and ownership domain for all heap objects
// ---------------------------------------------------------------------------

// slot holds one heap object plus its collection metadata. A slot's
// generation increments every time its object is reclaimed, so handles
// to a previous occupant can be detected as stale.
type slot struct {
	obj    Object
	gen    uint16
	size   int
	live   bool
	marked bool
}

// Arena owns all heap objects. It hands out stable handles (index +
// generation), tracks live byte/object counts for the collection
// trigger, and supports full iteration for mark/sweep.
//
// Objects are reclaimed only during a collection cycle, never eagerly.
type Arena struct {
	slots     []slot
	free      []uint32
	liveBytes int
	liveObjs  int
	threshold int
}

// NewArena creates an arena that requests collection once live bytes
// exceed threshold.
func NewArena(threshold int) *Arena {
	return &Arena{
		slots:     make([]slot, 0, 256),
		free:      make([]uint32, 0, 64),
		threshold: threshold,
	}
}

// Alloc places obj in the arena and returns its handle. The handle
// stays valid for the object's lifetime.
func (a *Arena) Alloc(obj Object) Value {
	size := obj.heapSize()
	var index uint32
	if n := len(a.free); n > 0 {
		index = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot{gen: 1})
		index = uint32(len(a.slots) - 1)
	}
	s := &a.slots[index]
	s.obj = obj
	s.size = size
	s.live = true
	s.marked = false
	a.liveBytes += size
	a.liveObjs++
	return fromHandle(index, s.gen)
}

// Get returns the object for a handle, or nil if the handle is stale
// (its slot was reclaimed) or v is not a handle at all.
func (a *Arena) Get(v Value) Object {
	if !v.IsHandle() {
		return nil
	}
	index := v.handleIndex()
	if int(index) >= len(a.slots) {
		return nil
	}
	s := &a.slots[index]
	if !s.live || s.gen != v.handleGen() {
		return nil
	}
	return s.obj
}

// shouldCollect reports whether live bytes exceed the configured
// threshold. Checked by the interpreter between instructions.
func (a *Arena) shouldCollect() bool {
	return a.threshold > 0 && a.liveBytes > a.threshold
}

// LiveBytes returns the current live byte count.
func (a *Arena) LiveBytes() int { return a.liveBytes }

// LiveObjects returns the current live object count.
func (a *Arena) LiveObjects() int { return a.liveObjs }

// resize grows obj accounting after an in-place mutation changed its
// footprint (vector append, map insert).
func (a *Arena) resize(v Value) {
	if !v.IsHandle() {
		return
	}
	index := v.handleIndex()
	if int(index) >= len(a.slots) {
		return
	}
	s := &a.slots[index]
	if !s.live || s.gen != v.handleGen() {
		return
	}
	newSize := s.obj.heapSize()
	a.liveBytes += newSize - s.size
	s.size = newSize
}
