package datastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdhub/birdhub/internal/errors"
)

func floatPtr(f float64) *float64 { return &f }

func TestGetEnabledPreferences(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)
	ctx := context.Background()
	seedStation(t, ds, "st-1")
	seedStation(t, ds, "st-2")

	alice := &User{Email: "alice@example.com", DisplayName: "Alice"}
	bob := &User{Email: "bob@example.com"}
	require.NoError(t, ds.SaveUser(ctx, alice))
	require.NoError(t, ds.SaveUser(ctx, bob))

	prefs := []*NotificationPreference{
		{UserID: alice.ID, StationID: "st-1", Channel: ChannelInApp, Enabled: true, Threshold: floatPtr(0.8)},
		{UserID: alice.ID, StationID: "st-1", Channel: ChannelEmail, Enabled: true},
		{UserID: bob.ID, StationID: "st-1", Channel: ChannelEmail, Enabled: false},
		{UserID: bob.ID, StationID: "st-2", Channel: ChannelInApp, Enabled: true},
	}
	for _, p := range prefs {
		require.NoError(t, ds.SavePreference(ctx, p))
	}

	got, err := ds.GetEnabledPreferences(ctx, "st-1", EventNewDetection)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ChannelEmail, got[0].Channel)
	assert.Equal(t, ChannelInApp, got[1].Channel)
	assert.Equal(t, "alice@example.com", got[0].User.Email)
	assert.Nil(t, got[0].Threshold)
	require.NotNil(t, got[1].Threshold)
	assert.InDelta(t, 0.8, *got[1].Threshold, 1e-9)

	// re-saving the same key updates in place
	require.NoError(t, ds.SavePreference(ctx, &NotificationPreference{
		UserID: bob.ID, StationID: "st-1", Channel: ChannelEmail, Enabled: true, Threshold: floatPtr(0.5),
	}))
	got, err = ds.GetEnabledPreferences(ctx, "st-1", EventNewDetection)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = ds.GetEnabledPreferences(ctx, "st-3", EventNewDetection)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSavePreference_Validation(t *testing.T) {
	t.Parallel()
	ds := setupTestDB(t)
	ctx := context.Background()

	tests := []struct {
		name string
		pref *NotificationPreference
	}{
		{"nil", nil},
		{"no user", &NotificationPreference{StationID: "st-1", Channel: ChannelEmail}},
		{"bad channel", &NotificationPreference{UserID: 1, StationID: "st-1", Channel: "pigeon"}},
		{"threshold above one", &NotificationPreference{UserID: 1, StationID: "st-1", Channel: ChannelEmail, Threshold: floatPtr(1.5)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ds.SavePreference(ctx, tt.pref)
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
		})
	}
}
