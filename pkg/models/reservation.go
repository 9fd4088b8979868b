package models

import (
	"sort"

	"github.com/google/uuid"
)

// Reservation is a hold on a named resource, owned by exactly one running
// task. For any resource the live set is either empty, one exclusive holder,
// or any number of shared holders.
type Reservation struct {
	TaskID    uuid.UUID `json:"task_id" db:"task_id"`
	Resource  string    `json:"resource" db:"resource"`
	Exclusive bool      `json:"exclusive" db:"exclusive"`
}

// ReservationConflict decides whether a task declaring the given exclusive and
// shared resource names conflicts with the currently held reservations:
// an exclusive request conflicts with any holder, a shared request conflicts
// with exclusive holders only.
func ReservationConflict(held []Reservation, exclusive, shared []string) bool {
	holders := make(map[string]struct{ any, exclusive bool }, len(held))
	for _, r := range held {
		h := holders[r.Resource]
		h.any = true
		h.exclusive = h.exclusive || r.Exclusive
		holders[r.Resource] = h
	}
	for _, name := range exclusive {
		if holders[name].any {
			return true
		}
	}
	for _, name := range shared {
		if holders[name].exclusive {
			return true
		}
	}
	return false
}

// ResourceNames returns the union of a task's declared resource names in
// canonical sorted order. Locks are always taken in this order so two workers
// claiming overlapping sets cannot deadlock.
func ResourceNames(exclusive, shared []string) []string {
	seen := make(map[string]struct{}, len(exclusive)+len(shared))
	var names []string
	for _, group := range [][]string{exclusive, shared} {
		for _, name := range group {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
