package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/friendcore/friend/internal/memory"
	"github.com/friendcore/friend/internal/message"
	"github.com/friendcore/friend/internal/person"
)

func newTrustTestApp(t *testing.T) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.db")
	store, err := memory.Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("memory.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return &App{Memory: store}
}

func TestResolvePerson_ByID(t *testing.T) {
	ctx := context.Background()
	app := newTrustTestApp(t)

	p := &person.Person{DisplayName: "Ada", Channel: message.ChannelTelegram, ChannelUserID: "111"}
	if err := app.Memory.TrackPerson(ctx, p); err != nil {
		t.Fatalf("TrackPerson: %v", err)
	}

	got, err := resolvePerson(ctx, app, string(p.ID), "", "")
	if err != nil {
		t.Fatalf("resolvePerson by id: %v", err)
	}
	if got.DisplayName != "Ada" {
		t.Errorf("DisplayName = %q, want Ada", got.DisplayName)
	}
}

func TestResolvePerson_ByChannelAndUser(t *testing.T) {
	ctx := context.Background()
	app := newTrustTestApp(t)

	p := &person.Person{DisplayName: "Grace", Channel: message.ChannelDiscord, ChannelUserID: "222"}
	if err := app.Memory.TrackPerson(ctx, p); err != nil {
		t.Fatalf("TrackPerson: %v", err)
	}

	got, err := resolvePerson(ctx, app, "", "discord", "222")
	if err != nil {
		t.Fatalf("resolvePerson by channel+user: %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("ID = %s, want %s", got.ID, p.ID)
	}
}

func TestResolvePerson_NoIdentifyingFlagsErrors(t *testing.T) {
	ctx := context.Background()
	app := newTrustTestApp(t)

	if _, err := resolvePerson(ctx, app, "", "", ""); err == nil {
		t.Error("expected an error when neither --id nor --channel/--user are given")
	}
}

func TestResolvePerson_UnknownIDErrors(t *testing.T) {
	ctx := context.Background()
	app := newTrustTestApp(t)

	if _, err := resolvePerson(ctx, app, "nonexistent", "", ""); err == nil {
		t.Error("expected an error for an unknown person id")
	}
}
