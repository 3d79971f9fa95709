package chatsync

import (
	"slices"
	"testing"
)

func TestPresence_IdempotentAndFlagsContacts(t *testing.T) {
	t.Parallel()

	p := NewPresence()
	p.SetContacts([]Contact{{UserID: "u2", Name: "Bob"}, {UserID: "u3", Name: "Eve"}})

	if !p.SetOnline("u2") {
		t.Fatalf("first online not a change")
	}
	if p.SetOnline("u2") {
		t.Fatalf("second online reported a change")
	}
	if c, _ := p.Contact("u2"); !c.Online {
		t.Fatalf("contact not flagged online")
	}

	if !p.SetOffline("u2") || p.SetOffline("u2") {
		t.Fatalf("offline not idempotent")
	}
	if c, _ := p.Contact("u2"); c.Online {
		t.Fatalf("contact still online")
	}

	// Presence for users outside the contact list is still tracked.
	p.SetOnline("u9")
	if !p.IsOnline("u9") {
		t.Fatalf("non-contact presence lost")
	}
}

func TestPresence_ContactsLoadedLaterPickUpFlags(t *testing.T) {
	t.Parallel()

	p := NewPresence()
	p.SetOnline("u3")
	p.SetContacts([]Contact{{UserID: "u2"}, {UserID: "u3"}, {UserID: ""}})

	var online []string
	for _, c := range p.Contacts() {
		if c.Online {
			online = append(online, c.UserID)
		}
	}
	if !slices.Equal(online, []string{"u3"}) {
		t.Fatalf("online contacts=%v want=[u3]", online)
	}
	if len(p.Contacts()) != 2 {
		t.Fatalf("empty contact id not dropped")
	}
}
