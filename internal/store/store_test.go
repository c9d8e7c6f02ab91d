package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/planningpoker/internal/domain"
	"github.com/victornm/planningpoker/internal/errors"
	"github.com/victornm/planningpoker/internal/store"
)

// testStore runs the behaviour every Store implementation must share.
func testStore(t *testing.T, makeStore func(t *testing.T, newID func() string) store.Store) {
	ctx := context.Background()

	createSession := func(t *testing.T, s store.Store, participants ...domain.Participant) string {
		t.Helper()
		id, err := s.CreateSession(ctx, "sprint 12", []string{"1", "2", "3"})
		require.NoError(t, err)
		for _, p := range participants {
			require.NoError(t, s.CreateParticipant(ctx, id, p))
		}
		return id
	}

	getSession := func(t *testing.T, s store.Store, id string) domain.Session {
		t.Helper()
		ss, err := s.GetSession(ctx, id)
		require.NoError(t, err)
		return *ss
	}

	alice := domain.Participant{ID: "p-alice", Name: "Alice"}
	bob := domain.Participant{ID: "p-bob", Name: "Bob"}
	carol := domain.Participant{ID: "p-carol", Name: "Carol"}

	tests := map[string]func(t *testing.T, s store.Store){
		"created session is hidden and empty": func(t *testing.T, s store.Store) {
			id := createSession(t, s)

			ok, err := s.SessionExists(ctx, id)
			require.NoError(t, err)
			assert.True(t, ok)

			assert.Equal(t, domain.Session{
				Title:        "sprint 12",
				State:        domain.StateHidden,
				Points:       []string{"1", "2", "3"},
				Participants: []domain.Participant{},
			}, getSession(t, s, id))

			st, err := s.GetSessionState(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, domain.StateHidden, st)
		},

		"unknown session is not found": func(t *testing.T, s store.Store) {
			ok, err := s.SessionExists(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = s.GetSession(ctx, "missing")
			assert.True(t, errors.HasReason(err, errors.ReasonSessionNotFound), "got %v", err)

			_, err = s.GetSessionState(ctx, "missing")
			assert.True(t, errors.HasReason(err, errors.ReasonSessionNotFound), "got %v", err)
		},

		"keys of a session are not sessions": func(t *testing.T, s store.Store) {
			id := createSession(t, s, alice)

			for _, alias := range []string{id + ":points", id + ":participants", id + ":participants:" + alice.ID} {
				ok, err := s.SessionExists(ctx, alias)
				require.NoError(t, err)
				assert.False(t, ok, alias)

				_, err = s.GetSession(ctx, alias)
				assert.True(t, errors.HasReason(err, errors.ReasonSessionNotFound), "%s: got %v", alias, err)

				_, err = s.GetSessionState(ctx, alias)
				assert.True(t, errors.HasReason(err, errors.ReasonSessionNotFound), "%s: got %v", alias, err)
			}
		},

		"participants keep join order": func(t *testing.T, s store.Store) {
			id := createSession(t, s, carol, alice, bob)

			ss := getSession(t, s, id)
			require.Len(t, ss.Participants, 3)
			assert.Equal(t, []string{"p-carol", "p-alice", "p-bob"}, []string{ss.Participants[0].ID, ss.Participants[1].ID, ss.Participants[2].ID})

			ok, err := s.ParticipantExists(ctx, id, "p-alice")
			require.NoError(t, err)
			assert.True(t, ok)
		},

		"participant field updates": func(t *testing.T, s store.Store) {
			id := createSession(t, s, alice, bob)

			require.NoError(t, s.UpdateParticipantName(ctx, id, "p-alice", "Alicia"))
			require.NoError(t, s.UpdateParticipantPoints(ctx, id, "p-alice", "3"))
			require.NoError(t, s.IncrementParticipantStars(ctx, id, "p-bob", 1))
			require.NoError(t, s.IncrementParticipantStars(ctx, id, "p-bob", 1))

			assert.Equal(t, []domain.Participant{
				{ID: "p-alice", Name: "Alicia", Points: "3"},
				{ID: "p-bob", Name: "Bob", Stars: 2},
			}, getSession(t, s, id).Participants)
		},

		"delete participant": func(t *testing.T, s store.Store) {
			id := createSession(t, s, alice, bob)

			require.NoError(t, s.DeleteParticipant(ctx, id, "p-alice"))

			ok, err := s.ParticipantExists(ctx, id, "p-alice")
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, []domain.Participant{bob}, getSession(t, s, id).Participants)
		},

		"clear all points": func(t *testing.T, s store.Store) {
			id := createSession(t, s, alice, bob)
			require.NoError(t, s.UpdateParticipantPoints(ctx, id, "p-alice", "3"))
			require.NoError(t, s.UpdateParticipantPoints(ctx, id, "p-bob", "?"))

			require.NoError(t, s.ClearAllParticipantPoints(ctx, id))

			for _, p := range getSession(t, s, id).Participants {
				assert.Empty(t, p.Points, p.ID)
			}
		},

		"session header updates": func(t *testing.T, s store.Store) {
			id := createSession(t, s)

			require.NoError(t, s.UpdateSessionState(ctx, id, domain.StateRevealed))
			require.NoError(t, s.UpdateSessionTitle(ctx, id, "sprint 13"))

			ss := getSession(t, s, id)
			assert.Equal(t, domain.StateRevealed, ss.State)
			assert.Equal(t, "sprint 13", ss.Title)
		},

		"points are deduplicated": func(t *testing.T, s store.Store) {
			id := createSession(t, s)

			require.NoError(t, s.AddPoint(ctx, id, "5"))
			require.NoError(t, s.AddPoint(ctx, id, "5"))
			require.NoError(t, s.RemovePoint(ctx, id, "1"))
			require.NoError(t, s.RemovePoint(ctx, id, "42"))

			assert.Equal(t, []string{"2", "3", "5"}, getSession(t, s, id).Points)
		},

		"migrate keeps fields and position": func(t *testing.T, s store.Store) {
			id := createSession(t, s, alice, bob, carol)
			require.NoError(t, s.UpdateParticipantPoints(ctx, id, "p-bob", "2"))
			require.NoError(t, s.IncrementParticipantStars(ctx, id, "p-bob", 1))

			require.NoError(t, s.MigrateParticipantID(ctx, id, "p-bob", "p-bob-2"))

			assert.Equal(t, []domain.Participant{
				alice,
				{ID: "p-bob-2", Name: "Bob", Points: "2", Stars: 1},
				carol,
			}, getSession(t, s, id).Participants)

			ok, err := s.ParticipantExists(ctx, id, "p-bob")
			require.NoError(t, err)
			assert.False(t, ok)
		},

		"migrate unknown participant": func(t *testing.T, s store.Store) {
			id := createSession(t, s, alice)

			err := s.MigrateParticipantID(ctx, id, "p-ghost", "p-new")
			assert.True(t, errors.HasReason(err, errors.ReasonParticipantNotFound), "got %v", err)

			err = s.MigrateParticipantID(ctx, "missing", "p-alice", "p-new")
			assert.True(t, errors.HasReason(err, errors.ReasonSessionNotFound), "got %v", err)
		},

		"writes to missing records are no-ops": func(t *testing.T, s store.Store) {
			id := createSession(t, s, alice)

			require.NoError(t, s.UpdateParticipantPoints(ctx, id, "p-ghost", "3"))
			require.NoError(t, s.UpdateParticipantName(ctx, id, "p-ghost", "Ghost"))
			require.NoError(t, s.IncrementParticipantStars(ctx, id, "p-ghost", 1))
			assert.Equal(t, []domain.Participant{alice}, getSession(t, s, id).Participants)

			require.NoError(t, s.CreateParticipant(ctx, "missing", bob))
			require.NoError(t, s.UpdateSessionTitle(ctx, "missing", "x"))
			require.NoError(t, s.AddPoint(ctx, "missing", "1"))

			ok, err := s.SessionExists(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok, "late writes must not resurrect a session")
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			tc(t, makeStore(t, nil))
		})
	}

	t.Run("create retries on id collision", func(t *testing.T) {
		ids := []string{"aaaa0001", "aaaa0001", "bbbb0002"}
		next := func() string {
			id := ids[0]
			ids = ids[1:]
			return id
		}
		s := makeStore(t, next)

		first, err := s.CreateSession(ctx, "a", nil)
		require.NoError(t, err)
		second, err := s.CreateSession(ctx, "b", nil)
		require.NoError(t, err)

		assert.Equal(t, "aaaa0001", first)
		assert.Equal(t, "bbbb0002", second)
		assert.Equal(t, "a", getSession(t, s, first).Title, "existing session must not be overwritten")
	})
}
