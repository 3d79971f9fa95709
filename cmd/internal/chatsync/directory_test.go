package chatsync

import (
	"slices"
	"testing"
	"time"
)

func TestDirectory_UpsertPrependsAndReplaces(t *testing.T) {
	t.Parallel()

	d := NewDirectory()
	d.Upsert(Conversation{ID: "a", Kind: KindDirect, UpdatedAt: t0})
	d.Upsert(Conversation{ID: "b", Kind: KindDirect, UpdatedAt: t0})

	// Equal timestamps: the newest insert is first, and sorting keeps it there.
	if got := conversationIDs(d.List()); !slices.Equal(got, []string{"b", "a"}) {
		t.Fatalf("order=%v want=[b a]", got)
	}

	d.Upsert(Conversation{ID: "a", Kind: KindDirect, Title: "Alice", UpdatedAt: t0})
	if d.Len() != 2 {
		t.Fatalf("replace duplicated entry: len=%d", d.Len())
	}
	if got := conversationIDs(d.List()); !slices.Equal(got, []string{"b", "a"}) {
		t.Fatalf("replace with equal timestamp moved entry: %v", got)
	}
	if c, _ := d.Get(DirectKey("a")); c.Title != "Alice" {
		t.Fatalf("replace lost fields: %+v", c)
	}
}

func TestDirectory_SortsDescending(t *testing.T) {
	t.Parallel()

	d := NewDirectory()
	for i, id := range []string{"t1", "t2", "t3"} {
		d.Upsert(Conversation{ID: id, Kind: KindDirect, UpdatedAt: t0.Add(time.Duration(i) * time.Minute)})
	}
	if got := conversationIDs(d.List()); !slices.Equal(got, []string{"t3", "t2", "t1"}) {
		t.Fatalf("order=%v", got)
	}
}

func TestDirectory_AdjustMemberCount(t *testing.T) {
	t.Parallel()

	d := NewDirectory()
	if d.AdjustMemberCount("g1", 1) {
		t.Fatalf("unknown group adjusted")
	}

	d.Upsert(Conversation{ID: "g1", Kind: KindGroup, MemberCount: 1})
	d.Upsert(Conversation{ID: "u2", Kind: KindDirect})

	d.AdjustMemberCount("g1", -3)
	if c, _ := d.Get(GroupKey("g1")); c.MemberCount != 0 {
		t.Fatalf("member count not clamped: %d", c.MemberCount)
	}
	if d.AdjustMemberCount("u2", 1) {
		t.Fatalf("direct conversation treated as group")
	}
}

func TestDirectory_RemoveGroupOnlyRemovesGroups(t *testing.T) {
	t.Parallel()

	d := NewDirectory()
	d.Upsert(Conversation{ID: "x", Kind: KindDirect})
	if d.RemoveGroup("x") {
		t.Fatalf("direct conversation removed as group")
	}
	d.Upsert(Conversation{ID: "g", Kind: KindGroup})
	if !d.RemoveGroup("g") || d.Len() != 1 {
		t.Fatalf("group not removed")
	}
}

func TestDirectory_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	d := NewDirectory()
	last := directMsg("m1", "u2", "u1", t0)
	d.Upsert(Conversation{ID: "u2", Kind: KindDirect, LastMessage: &last})

	c, _ := d.Get(DirectKey("u2"))
	c.LastMessage.Content = "mutated"

	again, _ := d.Get(DirectKey("u2"))
	if again.LastMessage.Content == "mutated" {
		t.Fatalf("directory leaked internal pointer")
	}
}

func TestDirectory_KeyedByKindAndID(t *testing.T) {
	t.Parallel()

	d := NewDirectory()
	d.Upsert(Conversation{ID: "x", Kind: KindGroup, Title: "Crew", UpdatedAt: t0})
	d.Upsert(Conversation{ID: "x", Kind: KindDirect, Title: "Xavier", UpdatedAt: t0})

	if d.Len() != 2 {
		t.Fatalf("len=%d want=2", d.Len())
	}
	d.Update(DirectKey("x"), func(c *Conversation) { c.UnreadCount = 4 })
	if c, _ := d.Get(GroupKey("x")); c.UnreadCount != 0 || c.Title != "Crew" {
		t.Fatalf("group entry touched: %+v", c)
	}
	if !d.RemoveGroup("x") {
		t.Fatalf("group not removed")
	}
	if c, ok := d.Get(DirectKey("x")); !ok || c.UnreadCount != 4 {
		t.Fatalf("direct entry=%+v ok=%v", c, ok)
	}
}
