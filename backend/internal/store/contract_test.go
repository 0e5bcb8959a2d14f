package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsync/backend/internal/session"
)

// runStoreContract checks the rules every Store implementation shares.
// Event ids are only compared relative to each other, since a database
// hands them out across sessions.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	// each case gets its own document so a persistent store can be reused
	docRef := func() string { return "post-" + uuid.NewString() }

	t.Run("create and active", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		doc := docRef()

		_, err := s.ActiveSession(ctx, doc)
		require.ErrorIs(t, err, ErrNotFound)

		created, err := s.CreateSession(ctx, doc, owner, "# Draft")
		require.NoError(t, err)
		assert.Equal(t, session.StatusActive, created.Status)
		assert.Equal(t, "# Draft", created.ContentSnapshot)
		assert.True(t, created.HasParticipant(owner.UserID))
		assert.NotZero(t, created.LastEventID)

		got, err := s.ActiveSession(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)

		_, err = s.CreateSession(ctx, doc, owner, "again")
		assert.ErrorIs(t, err, ErrConflict)
		_, err = s.CreateSession(ctx, "", owner, "")
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("join is idempotent", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		created, err := s.CreateSession(ctx, docRef(), owner, "")
		require.NoError(t, err)

		_, err = s.JoinSession(ctx, created.ID, guest, session.RoleEditor)
		require.NoError(t, err)
		joined, err := s.JoinSession(ctx, created.ID, guest, session.RoleEditor)
		require.NoError(t, err)
		require.Len(t, joined.Participants, 2)
		assert.True(t, joined.HasParticipant(guest.UserID))

		events, err := s.Events(ctx, created.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Less(t, events[0].ID, events[1].ID)
		assert.Equal(t, session.EventParticipantJoined, events[1].Type)
		assert.Equal(t, guest.UserID, events[1].UserID)

		_, err = s.JoinSession(ctx, created.ID, guest, "admin")
		assert.ErrorIs(t, err, ErrInvalid)
		_, err = s.JoinSession(ctx, uuid.NewString(), guest, session.RoleEditor)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("append updates snapshot", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		created, err := s.CreateSession(ctx, docRef(), owner, "# Draft")
		require.NoError(t, err)

		evt, err := s.AppendEvent(ctx, created.ID, owner.UserID, session.EventContentSync, contentPayload(t, "# Draft v2"))
		require.NoError(t, err)
		assert.Greater(t, evt.ID, created.LastEventID)

		got, err := s.Session(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "# Draft v2", got.ContentSnapshot)
		assert.Equal(t, evt.ID, got.LastEventID)

		after, err := s.Events(ctx, created.ID, created.LastEventID, 0)
		require.NoError(t, err)
		require.Len(t, after, 1)
		assert.Equal(t, evt.ID, after[0].ID)

		none, err := s.Events(ctx, created.ID, evt.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("append rules", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		created, err := s.CreateSession(ctx, docRef(), owner, "")
		require.NoError(t, err)
		_, err = s.JoinSession(ctx, created.ID, guest, session.RoleViewer)
		require.NoError(t, err)

		_, err = s.AppendEvent(ctx, created.ID, 99, session.EventContentSync, contentPayload(t, "x"))
		assert.ErrorIs(t, err, ErrConflict, "non participant")
		_, err = s.AppendEvent(ctx, created.ID, guest.UserID, session.EventContentSync, contentPayload(t, "x"))
		assert.ErrorIs(t, err, ErrForbidden, "viewer")
		_, err = s.AppendEvent(ctx, created.ID, owner.UserID, session.EventSessionEnded, nil)
		assert.ErrorIs(t, err, ErrInvalid)
		_, err = s.AppendEvent(ctx, created.ID, owner.UserID, session.EventContentSync, json.RawMessage(`{"content":1}`))
		assert.ErrorIs(t, err, ErrInvalid)
		_, err = s.AppendEvent(ctx, uuid.NewString(), owner.UserID, session.EventContentSync, contentPayload(t, "x"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("heartbeat", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		created, err := s.CreateSession(ctx, docRef(), owner, "")
		require.NoError(t, err)

		assert.NoError(t, s.Heartbeat(ctx, created.ID, owner.UserID))
		assert.ErrorIs(t, s.Heartbeat(ctx, created.ID, guest.UserID), ErrConflict)
		assert.ErrorIs(t, s.Heartbeat(ctx, uuid.NewString(), owner.UserID), ErrNotFound)

		_, err = s.EndSession(ctx, created.ID, owner.UserID)
		require.NoError(t, err)
		assert.ErrorIs(t, s.Heartbeat(ctx, created.ID, owner.UserID), ErrConflict)
	})

	t.Run("end session", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		doc := docRef()
		created, err := s.CreateSession(ctx, doc, owner, "")
		require.NoError(t, err)

		_, err = s.EndSession(ctx, created.ID, guest.UserID)
		assert.ErrorIs(t, err, ErrForbidden)

		ended, err := s.EndSession(ctx, created.ID, owner.UserID)
		require.NoError(t, err)
		assert.Equal(t, session.StatusEnded, ended.Status)
		require.NotNil(t, ended.EndedAt)

		again, err := s.EndSession(ctx, created.ID, owner.UserID)
		require.NoError(t, err)
		assert.Equal(t, session.StatusEnded, again.Status)

		_, err = s.ActiveSession(ctx, doc)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.JoinSession(ctx, created.ID, guest, session.RoleEditor)
		assert.ErrorIs(t, err, ErrConflict)

		events, err := s.Events(ctx, created.ID, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, session.EventSessionEnded, events[len(events)-1].Type)
		ends := 0
		for _, e := range events {
			if e.Type == session.EventSessionEnded {
				ends++
			}
		}
		assert.Equal(t, 1, ends, "ending twice records one event")

		// the document is free for a new session once the old one is over
		next, err := s.CreateSession(ctx, doc, owner, "")
		require.NoError(t, err)
		assert.NotEqual(t, created.ID, next.ID)
	})

	t.Run("delete session", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		doc := docRef()
		created, err := s.CreateSession(ctx, doc, owner, "")
		require.NoError(t, err)

		assert.ErrorIs(t, s.DeleteSession(ctx, created.ID, guest.UserID), ErrForbidden)
		require.NoError(t, s.DeleteSession(ctx, created.ID, owner.UserID))

		_, err = s.Events(ctx, created.ID, 0, 0)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.ActiveSession(ctx, doc)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteSession(ctx, created.ID, owner.UserID), ErrNotFound)
	})
}
