package backup

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estatecrm/internal/blob"
	"estatecrm/internal/core"
	"estatecrm/pkg/domain"
)

var exportedAt = time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

func sampleSnapshot(t *testing.T) core.Snapshot {
	t.Helper()
	ctx := context.Background()
	s := core.NewStore(core.WithClock(core.ClockFunc(func() time.Time { return exportedAt })))
	t.Cleanup(func() { _ = s.Close(ctx) })
	s.SetSession(domain.TeamMember{ID: "ceo-1", Name: "Layla", Role: domain.RoleCEO})
	_, err := s.AddLead(ctx, domain.Lead{ID: "L1", Name: "Omar", Budget: 3_000_000, Status: domain.LeadNew})
	require.NoError(t, err)
	_, err = s.AddProperty(ctx, domain.Property{ID: "P1", Name: "Marina Gate", Location: "Dubai Marina", Price: 2_500_000})
	require.NoError(t, err)
	return s.ExportSnapshot()
}

func TestEncodeDecodeVerifies(t *testing.T) {
	snap := sampleSnapshot(t)
	env, err := New(snap, "ceo-1", exportedAt)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Counts[string(domain.EntityLead)])
	assert.Len(t, env.Integrity.Checksum, 64)

	raw, err := Encode(env)
	require.NoError(t, err)
	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, env.Integrity.Checksum, got.Integrity.Checksum)
	assert.Equal(t, "Omar", got.Data.Leads["L1"].Name)
}

func TestDecodeRejectsTampering(t *testing.T) {
	env, err := New(sampleSnapshot(t), "ceo-1", exportedAt)
	require.NoError(t, err)
	raw, err := Encode(env)
	require.NoError(t, err)

	mutate := func(fn func(m map[string]any)) []byte {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		fn(m)
		out, err := json.Marshal(m)
		require.NoError(t, err)
		return out
	}
	cases := map[string][]byte{
		"not json":    []byte("{"),
		"version":     mutate(func(m map[string]any) { m["version"] = 2 }),
		"checksum":    mutate(func(m map[string]any) { m["integrity"].(map[string]any)["checksum"] = strings.Repeat("0", 64) }),
		"incomplete":  mutate(func(m map[string]any) { m["integrity"].(map[string]any)["complete"] = false }),
		"counts":      mutate(func(m map[string]any) { m["counts"].(map[string]any)["leads"] = 5 }),
		"edited data": mutate(func(m map[string]any) { m["data"].(map[string]any)["leads"].(map[string]any)["L1"].(map[string]any)["name"] = "Eve" }),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(body)
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}

func TestArchiveSaveListLatest(t *testing.T) {
	ctx := context.Background()
	store, err := blob.Open(ctx, blob.Config{Driver: blob.DriverMemory})
	require.NoError(t, err)
	a := NewArchive(store)

	_, _, err = a.Latest(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	snap := sampleSnapshot(t)
	older, err := New(snap, "agent 7/x", exportedAt.Add(-time.Hour))
	require.NoError(t, err)
	newer, err := New(snap, "ceo-1", exportedAt)
	require.NoError(t, err)
	assert.Equal(t, "backups/20260301T093000Z-agent_7_x.json", Key(older))

	for _, env := range []Envelope{newer, older} {
		_, err := a.Save(ctx, env)
		require.NoError(t, err)
	}
	_, err = a.Save(ctx, newer)
	assert.ErrorIs(t, err, blob.ErrExists)

	list, err := a.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, Key(older), list[0].Key)

	latest, info, err := a.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, Key(newer), info.Key)
	assert.Equal(t, "ceo-1", latest.ExportedBy)

	_, err = a.DownloadURL(ctx, info.Key, time.Minute)
	assert.ErrorIs(t, err, blob.ErrUnsupported)

	bad := newer
	bad.Integrity.Checksum = "nope"
	_, err = a.Save(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalid)
}
