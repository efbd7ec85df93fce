package state

import (
	"fmt"
	"iter"
	"sort"
)

// SlotIndex maps a day to the reservation that booked it. Entries are never
// overwritten or removed; a fulfilled reservation keeps its day forever.
//
// SlotIndex is not safe for concurrent use. The engine serializes access.
type SlotIndex struct {
	byDay  map[Day]*Reservation
	sorted []Day // ascending, mirrors byDay keys
}

func NewSlotIndex() *SlotIndex {
	return &SlotIndex{
		byDay: make(map[Day]*Reservation),
	}
}

// Book inserts r under day. Fails with ErrSlotTaken if the day is already booked.
func (si *SlotIndex) Book(day Day, r *Reservation) error {
	if _, exists := si.byDay[day]; exists {
		return fmt.Errorf("book %s: %w", day, ErrSlotTaken)
	}
	si.byDay[day] = r

	i := sort.Search(len(si.sorted), func(i int) bool { return si.sorted[i] >= day })
	si.sorted = append(si.sorted, 0)
	copy(si.sorted[i+1:], si.sorted[i:])
	si.sorted[i] = day
	return nil
}

func (si *SlotIndex) Lookup(day Day) (*Reservation, bool) {
	r, ok := si.byDay[day]
	return r, ok
}

func (si *SlotIndex) IsBooked(day Day) bool {
	_, ok := si.byDay[day]
	return ok
}

func (si *SlotIndex) Len() int {
	return len(si.sorted)
}

// NextAfter returns the smallest booked day strictly greater than day.
func (si *SlotIndex) NextAfter(day Day) (Day, bool) {
	i := sort.Search(len(si.sorted), func(i int) bool { return si.sorted[i] > day })
	if i == len(si.sorted) {
		return 0, false
	}
	return si.sorted[i], true
}

// Booked yields booked days in ascending order. Each call to the returned
// sequence restarts from the earliest day.
func (si *SlotIndex) Booked() iter.Seq[Day] {
	return func(yield func(Day) bool) {
		if len(si.sorted) == 0 {
			return
		}
		cur := si.sorted[0]
		for {
			if !yield(cur) {
				return
			}
			next, ok := si.NextAfter(cur)
			if !ok {
				return
			}
			cur = next
		}
	}
}

// All yields every reservation in day order.
func (si *SlotIndex) All() iter.Seq[*Reservation] {
	return func(yield func(*Reservation) bool) {
		for day := range si.Booked() {
			if !yield(si.byDay[day]) {
				return
			}
		}
	}
}
