package storage

import (
	"testing"

	"p2pchat/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenMemory()
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustAppend(t *testing.T, store *Store, id, from, to, content string) models.Message {
	t.Helper()

	msg := models.Message{
		ID:          id,
		SenderID:    from,
		RecipientID: to,
		Content:     content,
		Kind:        models.KindText,
		Timestamp:   1_700_000_000_000,
	}
	if err := store.Append(msg); err != nil {
		t.Fatalf("append message %q: %v", id, err)
	}
	return msg
}
