package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/friendcore/friend/internal/message"
	"github.com/friendcore/friend/internal/person"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.db")
	s, err := Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTrackPerson_RoundTripsByIDAndByChannelUser(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	p := &person.Person{
		DisplayName:       "Ada",
		Channel:           message.ChannelTelegram,
		ChannelUserID:     "111",
		RelationshipScore: 0.4,
	}
	if err := s.TrackPerson(ctx, p); err != nil {
		t.Fatalf("TrackPerson: %v", err)
	}
	if p.ID == "" {
		t.Fatal("TrackPerson should assign an ID")
	}

	byChannel, err := s.GetPersonByChannelUser(ctx, message.ChannelTelegram, "111")
	if err != nil || byChannel == nil {
		t.Fatalf("GetPersonByChannelUser: %v, %v", byChannel, err)
	}
	if byChannel.ID != p.ID {
		t.Errorf("ID mismatch: %s vs %s", byChannel.ID, p.ID)
	}

	byID, err := s.GetPersonByID(ctx, p.ID)
	if err != nil || byID == nil {
		t.Fatalf("GetPersonByID: %v, %v", byID, err)
	}
	if byID.DisplayName != "Ada" {
		t.Errorf("DisplayName = %q, want Ada", byID.DisplayName)
	}
}

func TestListPeople_ReturnsAllTracked(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i, uid := range []string{"a", "b", "c"} {
		p := &person.Person{Channel: message.ChannelDiscord, ChannelUserID: uid, RelationshipScore: float64(i)}
		if err := s.TrackPerson(ctx, p); err != nil {
			t.Fatalf("TrackPerson(%s): %v", uid, err)
		}
	}

	people, err := s.ListPeople(ctx)
	if err != nil {
		t.Fatalf("ListPeople: %v", err)
	}
	if len(people) != 3 {
		t.Fatalf("ListPeople returned %d people, want 3", len(people))
	}
}

func TestSetTrustTierOverride_PinsAndClears(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	p := &person.Person{Channel: message.ChannelCLI, ChannelUserID: "op"}
	if err := s.TrackPerson(ctx, p); err != nil {
		t.Fatalf("TrackPerson: %v", err)
	}

	if err := s.SetTrustTierOverride(ctx, p.ID, person.TierCloseFriend); err != nil {
		t.Fatalf("SetTrustTierOverride: %v", err)
	}
	got, err := s.GetPersonByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPersonByID: %v", err)
	}
	if got.TrustTierOverride == nil || *got.TrustTierOverride != person.TierCloseFriend {
		t.Fatalf("override = %v, want %s", got.TrustTierOverride, person.TierCloseFriend)
	}

	if err := s.SetTrustTierOverride(ctx, p.ID, ""); err != nil {
		t.Fatalf("clear override: %v", err)
	}
	got, err = s.GetPersonByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPersonByID after clear: %v", err)
	}
	if got.TrustTierOverride != nil {
		t.Errorf("override = %v, want nil after clear", got.TrustTierOverride)
	}
}

func TestDeletePerson_RemovesFromList(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	p := &person.Person{Channel: message.ChannelSignal, ChannelUserID: "+15551234567"}
	if err := s.TrackPerson(ctx, p); err != nil {
		t.Fatalf("TrackPerson: %v", err)
	}
	if err := s.DeletePerson(ctx, p.ID); err != nil {
		t.Fatalf("DeletePerson: %v", err)
	}
	got, err := s.GetPersonByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPersonByID: %v", err)
	}
	if got != nil {
		t.Error("expected person to be gone after DeletePerson")
	}
}
