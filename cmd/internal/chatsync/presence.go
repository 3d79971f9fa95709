package chatsync

import "slices"

// Presence is the set of online user ids plus the contact list whose Online
// flags mirror it.
type Presence struct {
	online   map[string]struct{}
	contacts []Contact
}

// NewPresence constructs an empty tracker.
func NewPresence() *Presence {
	return &Presence{online: make(map[string]struct{})}
}

// SetOnline marks userID online. It reports whether anything changed.
func (p *Presence) SetOnline(userID string) bool {
	if _, ok := p.online[userID]; ok {
		return false
	}
	p.online[userID] = struct{}{}
	p.flag(userID, true)
	return true
}

// SetOffline marks userID offline. It reports whether anything changed.
func (p *Presence) SetOffline(userID string) bool {
	if _, ok := p.online[userID]; !ok {
		return false
	}
	delete(p.online, userID)
	p.flag(userID, false)
	return true
}

// IsOnline reports the presence of userID.
func (p *Presence) IsOnline(userID string) bool {
	_, ok := p.online[userID]
	return ok
}

// SetContacts replaces the contact list, taking Online flags from the set.
func (p *Presence) SetContacts(contacts []Contact) {
	p.contacts = make([]Contact, 0, len(contacts))
	for _, c := range contacts {
		if c.UserID == "" {
			continue
		}
		c.Online = p.IsOnline(c.UserID)
		p.contacts = append(p.contacts, c)
	}
}

// Contact returns the contact with the given id.
func (p *Presence) Contact(userID string) (Contact, bool) {
	i := slices.IndexFunc(p.contacts, func(c Contact) bool { return c.UserID == userID })
	if i < 0 {
		return Contact{}, false
	}
	return p.contacts[i], true
}

// Contacts returns a copy of the contact list.
func (p *Presence) Contacts() []Contact {
	return slices.Clone(p.contacts)
}

// OnlineIDs returns the online set, sorted.
func (p *Presence) OnlineIDs() []string {
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (p *Presence) flag(userID string, online bool) {
	for i := range p.contacts {
		if p.contacts[i].UserID == userID {
			p.contacts[i].Online = online
		}
	}
}
