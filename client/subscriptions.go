// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

// SubscriptionTable is a fixed-capacity set of subscriptions keyed by
// filter. Slots keep their position so a walk yields filters in the order
// they were first stored. The table is owned by the command loop and is
// not safe for concurrent use.
type SubscriptionTable struct {
	slots []Subscription
	size  int
}

// NewSubscriptionTable creates a table with capacity slots.
func NewSubscriptionTable(capacity int) *SubscriptionTable {
	if capacity < 1 {
		capacity = 1
	}
	return &SubscriptionTable{slots: make([]Subscription, capacity)}
}

// Set stores sub. An existing record with the same filter is replaced in
// place, otherwise the first free slot is used. It returns ErrTableFull
// when no slot is free and ErrEmptyFilter for an empty filter.
func (t *SubscriptionTable) Set(sub Subscription) error {
	if sub.Filter == "" {
		return ErrEmptyFilter
	}
	free := -1
	for i, s := range t.slots {
		if s.Filter == sub.Filter {
			t.slots[i] = sub
			return nil
		}
		if s.Filter == "" && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return ErrTableFull
	}
	t.slots[free] = sub
	t.size++
	return nil
}

// Get returns the record for filter.
func (t *SubscriptionTable) Get(filter string) (Subscription, bool) {
	if filter == "" {
		return Subscription{}, false
	}
	for _, s := range t.slots {
		if s.Filter == filter {
			return s, true
		}
	}
	return Subscription{}, false
}

// Remove clears the slots holding filters and returns how many were removed.
func (t *SubscriptionTable) Remove(filters ...string) int {
	removed := 0
	for _, f := range filters {
		if f == "" {
			continue
		}
		for i, s := range t.slots {
			if s.Filter == f {
				t.slots[i] = Subscription{}
				t.size--
				removed++
				break
			}
		}
	}
	return removed
}

// Free returns the number of empty slots.
func (t *SubscriptionTable) Free() int {
	return len(t.slots) - t.size
}

// missing counts the distinct filters not already stored.
func (t *SubscriptionTable) missing(subs []Subscription) int {
	seen := make(map[string]struct{}, len(subs))
	n := 0
	for _, s := range subs {
		if _, ok := seen[s.Filter]; ok {
			continue
		}
		seen[s.Filter] = struct{}{}
		if _, ok := t.Get(s.Filter); !ok {
			n++
		}
	}
	return n
}

// Len returns the number of stored records.
func (t *SubscriptionTable) Len() int {
	return t.size
}

// Cap returns the capacity.
func (t *SubscriptionTable) Cap() int {
	return len(t.slots)
}

// Snapshot returns the stored records in slot order, skipping empty slots.
func (t *SubscriptionTable) Snapshot() []Subscription {
	subs := make([]Subscription, 0, t.size)
	for _, s := range t.slots {
		if s.Filter != "" {
			subs = append(subs, s)
		}
	}
	return subs
}

// Filters returns the stored filters in slot order.
func (t *SubscriptionTable) Filters() []string {
	filters := make([]string, 0, t.size)
	for _, s := range t.slots {
		if s.Filter != "" {
			filters = append(filters, s.Filter)
		}
	}
	return filters
}
