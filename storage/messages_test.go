package storage

import (
	"bytes"
	"errors"
	"testing"

	"p2pchat/models"
)

func TestAppendKeepsOrderAndFlags(t *testing.T) {
	store := newTestStore(t)

	mustAppend(t, store, "m1", "self", "peer-1", "hello")
	mustAppend(t, store, "m2", "peer-1", "self", "hi back")
	mustAppend(t, store, "m3", "self", "peer-2", "other")

	if err := store.SetDelivered("m1", true); err != nil {
		t.Fatalf("SetDelivered failed: %v", err)
	}
	if err := store.MarkRead("m2"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}

	all, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "m1" || all[2].ID != "m3" {
		t.Fatalf("unexpected history order: %+v", all)
	}
	if !all[0].Delivered || all[0].Read {
		t.Fatalf("expected m1 delivered and unread, got %+v", all[0])
	}
	if !all[1].Read {
		t.Fatalf("expected m2 read")
	}

	conversation, err := store.Conversation("peer-1")
	if err != nil {
		t.Fatalf("Conversation failed: %v", err)
	}
	if len(conversation) != 2 {
		t.Fatalf("expected two messages with peer-1, got %d", len(conversation))
	}
}

func TestAppendRejectsDuplicateID(t *testing.T) {
	store := newTestStore(t)
	mustAppend(t, store, "m1", "a", "b", "x")

	err := store.Append(models.Message{ID: "m1", SenderID: "a", RecipientID: "b", Timestamp: 1})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	count, err := store.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one stored message, got %d", count)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	payload := []byte{0, 1, 2, 255}
	if err := store.Append(models.Message{
		ID:          "f1",
		SenderID:    "a",
		RecipientID: "b",
		Payload:     payload,
		FileName:    "blob.bin",
		FileSize:    int64(len(payload)),
		Kind:        models.KindFile,
		Timestamp:   10,
	}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := store.Get("f1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) || got.Kind != models.KindFile {
		t.Fatalf("unexpected stored attachment: %+v", got)
	}
}

func TestUpdatesOnMissingMessage(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetDelivered("missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Get, got %v", err)
	}
}

func TestStoresAreIsolated(t *testing.T) {
	first := newTestStore(t)
	second := newTestStore(t)
	mustAppend(t, first, "m1", "a", "b", "x")

	count, err := second.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected separate in-memory databases, got %d rows", count)
	}
}
