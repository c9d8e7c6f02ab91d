package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/planningpoker/internal/domain"
	"github.com/victornm/planningpoker/internal/store"
)

func TestRecords_RoundTrip(t *testing.T) {
	sessions := map[string]domain.Session{
		"empty roster": {
			Title:        "sprint 12",
			State:        domain.StateHidden,
			Points:       []string{"1", "2", "3"},
			Participants: []domain.Participant{},
		},
		"revealed with participants": {
			Title:  "refinement",
			State:  domain.StateRevealed,
			Points: []string{"0.5", "?"},
			Participants: []domain.Participant{
				{ID: "c", Name: "Carol", Points: "?", Stars: 0},
				{ID: "a", Name: "Alice", Points: "0.5", Stars: 3},
				{ID: "b", Name: "Bob", Points: "", Stars: 1},
			},
		},
		"no points": {
			Title:        "t",
			Points:       []string{},
			Participants: []domain.Participant{{ID: "x", Name: "X"}},
		},
	}

	for name, s := range sessions {
		t.Run(name, func(t *testing.T) {
			got, err := store.DecodeRecords(store.EncodeRecords(s))
			require.NoError(t, err)
			assert.Equal(t, s, got)
		})
	}
}

func TestDecodeRecords(t *testing.T) {
	r := store.Records{
		Header: map[string]string{store.FieldTitle: "t"},
		Roster: []string{"p1", "ghost", "p2"},
		Participants: map[string]map[string]string{
			"p1": {store.FieldName: "Alice", store.FieldPoints: "3", store.FieldStars: "2"},
			"p2": {store.FieldName: "Bob"},
		},
	}

	s, err := store.DecodeRecords(r)
	require.NoError(t, err)
	assert.Equal(t, domain.StateHidden, s.State, "missing state defaults to hidden")
	assert.Equal(t, []domain.Participant{
		{ID: "p1", Name: "Alice", Points: "3", Stars: 2},
		{ID: "p2", Name: "Bob"},
	}, s.Participants, "roster ids without a record are skipped")

	r.Participants["p2"][store.FieldStars] = "many"
	_, err = store.DecodeRecords(r)
	require.Error(t, err)

	_, err = store.DecodeRecords(store.Records{Header: map[string]string{store.FieldState: "Sideways"}})
	require.Error(t, err)
}

func TestNewSessionID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := store.NewSessionID()
		require.Len(t, id, 8)
		require.Regexp(t, "^[0-9a-f]{8}$", id)
		require.True(t, store.ValidSessionID(id))
		seen[id] = true
	}
	assert.Greater(t, len(seen), 95)
}

func TestValidSessionID(t *testing.T) {
	tests := map[string]bool{
		"1a2b3c4d":        true,
		"00000000":        true,
		"1A2B3C4D":        false,
		"1a2b3c4":         false,
		"1a2b3c4d0":       false,
		"1a2b3c4g":        false,
		"1a2b3c4d:points": false,
		"":                false,
	}

	for id, want := range tests {
		t.Run(id, func(t *testing.T) {
			assert.Equal(t, want, store.ValidSessionID(id))
		})
	}
}
