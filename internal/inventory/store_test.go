package inventory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/dbtest"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db/models"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
)

func seedRecord(t *testing.T, s Store, id string, qty int, sold bool, version int) {
	t.Helper()
	_, err := s.Upsert(context.Background(), &models.VinylRecord{
		ID:             id,
		Title:          "Title " + id,
		ArtistNames:    "Artist",
		Price:          decimal.RequireFromString("20.00"),
		Quantity:       qty,
		Sold:           sold,
		CatalogVersion: version,
	})
	require.NoError(t, err)
}

func findOne(t *testing.T, s Store, id string) models.VinylRecord {
	t.Helper()
	rows, err := s.FindByIDs(context.Background(), []string{id})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0]
}

func TestStoreMarkSoldIsIdempotent(t *testing.T) {
	s := NewStore(dbtest.Open(t))
	seedRecord(t, s, "rec1", 1, false, 1)
	ctx := context.Background()

	require.NoError(t, s.MarkSold(ctx, "rec1"))
	require.NoError(t, s.MarkSold(ctx, "rec1"))

	rec := findOne(t, s, "rec1")
	assert.Equal(t, 0, rec.Quantity)
	assert.True(t, rec.Sold)

	err := s.MarkSold(ctx, "ghost")
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
}

func TestStoreReserveAndRelease(t *testing.T) {
	s := NewStore(dbtest.Open(t))
	seedRecord(t, s, "rec1", 1, false, 1)
	ctx := context.Background()

	ok, err := s.Reserve(ctx, "rec1", "ref-a")
	require.NoError(t, err)
	assert.True(t, ok)
	rec := findOne(t, s, "rec1")
	assert.False(t, rec.Available())
	require.NotNil(t, rec.ReservedBy)
	assert.Equal(t, "ref-a", *rec.ReservedBy)

	ok, err = s.Reserve(ctx, "rec1", "ref-b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Release(ctx, "rec1", "ref-a")
	require.NoError(t, err)
	assert.True(t, ok)
	rec = findOne(t, s, "rec1")
	assert.True(t, rec.Available())
	assert.Nil(t, rec.ReservedBy)
}

func TestStoreReleaseOnlyFreesOwnHold(t *testing.T) {
	s := NewStore(dbtest.Open(t))
	seedRecord(t, s, "rec1", 1, false, 1)
	ctx := context.Background()

	ok, err := s.Reserve(ctx, "rec1", "ref-winner")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Reserve(ctx, "rec1", "ref-loser")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.Release(ctx, "rec1", "ref-loser")
	require.NoError(t, err)
	assert.False(t, ok)

	rec := findOne(t, s, "rec1")
	assert.Equal(t, 0, rec.Quantity)
	require.NotNil(t, rec.ReservedBy)
	assert.Equal(t, "ref-winner", *rec.ReservedBy)
}

func TestStoreReserveRequiresReference(t *testing.T) {
	s := NewStore(dbtest.Open(t))
	seedRecord(t, s, "rec1", 1, false, 1)

	_, err := s.Reserve(context.Background(), "rec1", "")
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))
	assert.True(t, findOne(t, s, "rec1").Available())
}

func TestStoreReleaseNeverUnsells(t *testing.T) {
	s := NewStore(dbtest.Open(t))
	seedRecord(t, s, "rec1", 1, false, 1)
	ctx := context.Background()
	ok, err := s.Reserve(ctx, "rec1", "ref-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.MarkSold(ctx, "rec1"))

	ok, err = s.Release(ctx, "rec1", "ref-a")
	require.NoError(t, err)
	assert.False(t, ok)
	rec := findOne(t, s, "rec1")
	assert.True(t, rec.Sold)
	assert.Nil(t, rec.ReservedBy)
}

func TestStoreUpsertIgnoresStaleVersions(t *testing.T) {
	s := NewStore(dbtest.Open(t))
	ctx := context.Background()
	seedRecord(t, s, "rec1", 1, false, 3)
	require.NoError(t, s.MarkSold(ctx, "rec1"))

	applied, err := s.Upsert(ctx, &models.VinylRecord{ID: "rec1", Title: "Old", ArtistNames: "A", Price: decimal.RequireFromString("1.00"), Quantity: 1, CatalogVersion: 2})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, "Title rec1", findOne(t, s, "rec1").Title)

	applied, err = s.Upsert(ctx, &models.VinylRecord{ID: "rec1", Title: "New", ArtistNames: "A", Price: decimal.RequireFromString("25.00"), Quantity: 1, CatalogVersion: 4})
	require.NoError(t, err)
	assert.True(t, applied)

	rec := findOne(t, s, "rec1")
	assert.Equal(t, "New", rec.Title)
	assert.Equal(t, 4, rec.CatalogVersion)
	assert.True(t, rec.Price.Equal(decimal.RequireFromString("25.00")))
	assert.True(t, rec.Sold, "stock columns are owned by the datastore")
	assert.Equal(t, 0, rec.Quantity)
}

func TestStoreDelete(t *testing.T) {
	s := NewStore(dbtest.Open(t))
	seedRecord(t, s, "rec1", 1, false, 1)
	require.NoError(t, s.Delete(context.Background(), "rec1"))

	rows, err := s.FindByIDs(context.Background(), []string{"rec1"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
