package avct

import "fmt"

// Handle names an entry of an arena. The low 16 bits hold the slot index plus
// one and the high 16 bits its generation, so a handle kept past Free never
// resolves to the entry that reuses the slot. The zero Handle is never valid.
type Handle uint32

func (h Handle) index() int          { return int(h&0xffff) - 1 }
func (h Handle) generation() uint16 { return uint16(h >> 16) }

func (h Handle) String() string {
	if h == 0 {
		return "none"
	}
	return fmt.Sprintf("%d.%d", h.index(), h.generation())
}

type slot[T any] struct {
	gen  uint16
	used bool
	v    T
}

// arena is a fixed capacity table of T addressed by Handle.
type arena[T any] struct {
	slots []slot[T]
	n     int
}

func newArena[T any](capacity int) *arena[T] {
	return &arena[T]{slots: make([]slot[T], capacity)}
}

// alloc takes the lowest free slot, reset to the zero T.
func (a *arena[T]) alloc() (Handle, *T, bool) {
	for i := range a.slots {
		s := &a.slots[i]
		if s.used {
			continue
		}
		var zero T
		s.v = zero
		s.used = true
		a.n++
		return Handle(uint32(s.gen)<<16 | uint32(i+1)), &s.v, true
	}
	return 0, nil, false
}

// get returns the entry h names, or nil when h is stale or invalid.
func (a *arena[T]) get(h Handle) *T {
	i := h.index()
	if i < 0 || i >= len(a.slots) {
		return nil
	}
	s := &a.slots[i]
	if !s.used || s.gen != h.generation() {
		return nil
	}
	return &s.v
}

func (a *arena[T]) free(h Handle) bool {
	if a.get(h) == nil {
		return false
	}
	s := &a.slots[h.index()]
	var zero T
	s.v = zero
	s.used = false
	s.gen++
	a.n--
	return true
}

// each calls f for every entry in slot order. f may free the entry it is
// given.
func (a *arena[T]) each(f func(Handle, *T)) {
	for i := range a.slots {
		s := &a.slots[i]
		if s.used {
			f(Handle(uint32(s.gen)<<16|uint32(i+1)), &s.v)
		}
	}
}

func (a *arena[T]) Len() int {
	return a.n
}
