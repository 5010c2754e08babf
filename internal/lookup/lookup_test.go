package lookup

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store/memory"
)

func TestEnsureExistsIsIdempotent(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := memory.New()
	r := NewRegistrar(s, logger)
	ctx := context.Background()

	created, err := r.EnsureExists(ctx, domain.LookupUnits, "  Pcs ")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = r.EnsureExists(ctx, domain.LookupUnits, "Pcs")
	require.NoError(t, err)
	assert.False(t, created)

	entries, err := s.ListLookups(ctx, domain.LookupUnits)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Pcs", entries[0].Name)

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
	assert.Equal(t, "Pcs", hook.LastEntry().Data["name"])
}

func TestEnsureExistsIsCaseSensitive(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := memory.New()
	r := NewRegistrar(s, logger)
	ctx := context.Background()

	_, err := r.EnsureExists(ctx, domain.LookupCategories, "Minuman")
	require.NoError(t, err)
	created, err := r.EnsureExists(ctx, domain.LookupCategories, "minuman")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestEnsureExistsBlankAndUnknownSet(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := NewRegistrar(memory.New(), logger)

	created, err := r.EnsureExists(context.Background(), domain.LookupUnits, "   ")
	require.NoError(t, err)
	assert.False(t, created)

	_, err = r.EnsureExists(context.Background(), "brands", "Acme")
	require.ErrorIs(t, err, ErrUnknownSet)
}

func TestDedupe(t *testing.T) {
	entries := []domain.LookupEntry{
		{ID: "3", Name: "Snack"},
		{ID: "1", Name: "Minuman"},
		{ID: "2", Name: "Minuman"},
	}
	got := Dedupe(entries)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "Snack", got[1].Name)
}
