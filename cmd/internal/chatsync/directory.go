package chatsync

import (
	"slices"
)

// Directory is the conversation list, kept sorted by UpdatedAt descending.
// Equal timestamps keep their relative order.
type Directory struct {
	items []Conversation
}

// NewDirectory constructs an empty directory.
func NewDirectory() *Directory {
	return &Directory{items: make([]Conversation, 0, 32)}
}

// Upsert replaces the entry with the same key, or prepends a new one, then re-sorts.
func (d *Directory) Upsert(c Conversation) {
	if i := d.index(c.Key()); i >= 0 {
		d.items[i] = c.clone()
	} else {
		d.items = slices.Insert(d.items, 0, c.clone())
	}
	d.sort()
}

// Update applies fn to the entry under k and re-sorts.
// It reports false when k is unknown. fn must not change Kind or ID.
func (d *Directory) Update(k Key, fn func(*Conversation)) bool {
	i := d.index(k)
	if i < 0 {
		return false
	}
	fn(&d.items[i])
	if d.items[i].UnreadCount < 0 {
		d.items[i].UnreadCount = 0
	}
	d.sort()
	return true
}

// RemoveGroup deletes a group entry. Direct entries are never removed.
func (d *Directory) RemoveGroup(groupID string) bool {
	i := d.index(GroupKey(groupID))
	if i < 0 {
		return false
	}
	d.items = slices.Delete(d.items, i, i+1)
	return true
}

// AdjustMemberCount adds delta to a group's member count, clamped at zero.
// Unknown groups are a no-op.
func (d *Directory) AdjustMemberCount(groupID string, delta int) bool {
	i := d.index(GroupKey(groupID))
	if i < 0 {
		return false
	}
	n := d.items[i].MemberCount + delta
	if n < 0 {
		n = 0
	}
	d.items[i].MemberCount = n
	return true
}

// Get returns a copy of the entry under k.
func (d *Directory) Get(k Key) (Conversation, bool) {
	i := d.index(k)
	if i < 0 {
		return Conversation{}, false
	}
	return d.items[i].clone(), true
}

// List returns a copy of all entries in display order.
func (d *Directory) List() []Conversation {
	out := make([]Conversation, len(d.items))
	for i, c := range d.items {
		out[i] = c.clone()
	}
	return out
}

// Len returns the number of entries.
func (d *Directory) Len() int { return len(d.items) }

// UnreadTotal sums unread counts across all entries.
func (d *Directory) UnreadTotal() int {
	n := 0
	for _, c := range d.items {
		n += c.UnreadCount
	}
	return n
}

func (d *Directory) index(k Key) int {
	return slices.IndexFunc(d.items, func(c Conversation) bool { return c.Kind == k.Kind && c.ID == k.ID })
}

func (d *Directory) sort() {
	slices.SortStableFunc(d.items, func(a, b Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
}
