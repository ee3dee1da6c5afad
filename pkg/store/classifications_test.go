package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

func TestClassifications_CRUD(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("kind is validated", func(t *testing.T) {
		_, err := s.UpsertClassification(ctx, &model.Classification{
			Device: "fw1", Kind: "vlan", Name: "lan", Side: model.SideInside,
		})
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("side is validated", func(t *testing.T) {
		_, err := s.UpsertClassification(ctx, &model.Classification{
			Device: "fw1", Kind: model.ClassKindZone, Name: "lan", Side: "up",
		})
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("name is required", func(t *testing.T) {
		_, err := s.UpsertClassification(ctx, &model.Classification{
			Device: "fw1", Kind: model.ClassKindZone, Side: model.SideInside,
		})
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("upsert replaces side and priority", func(t *testing.T) {
		c, err := s.UpsertClassification(ctx, &model.Classification{
			Device: "fw1", Kind: model.ClassKindZone, Name: "lan", Side: model.SideInside,
		})
		require.NoError(t, err)
		assert.NotZero(t, c.ID)

		updated, err := s.UpsertClassification(ctx, &model.Classification{
			Device: "fw1", Kind: model.ClassKindZone, Name: "lan", Side: model.SideOutside, Priority: 5,
		})
		require.NoError(t, err)
		assert.Equal(t, c.ID, updated.ID, "same identity keeps the row")
		assert.Equal(t, model.SideOutside, updated.Side)
		assert.Equal(t, 5, updated.Priority)

		rules, err := s.ListClassifications(ctx, []string{"fw1"})
		require.NoError(t, err)
		assert.Len(t, rules, 1)
	})

	t.Run("list orders by priority within a kind", func(t *testing.T) {
		_, err := s.UpsertClassification(ctx, &model.Classification{
			Device: "fw1", Kind: model.ClassKindZone, Name: "guest", Side: model.SideOutside, Priority: 10,
		})
		require.NoError(t, err)

		rules, err := s.ListClassifications(ctx, []string{"fw1"})
		require.NoError(t, err)
		require.Len(t, rules, 2)
		assert.Equal(t, "guest", rules[0].Name, "higher priority first")
	})

	t.Run("delete by id", func(t *testing.T) {
		c, err := s.UpsertClassification(ctx, &model.Classification{
			Device: "fw9", Kind: model.ClassKindInterface, Name: "if1", Side: model.SideRemote,
		})
		require.NoError(t, err)

		require.NoError(t, s.DeleteClassification(ctx, c.ID))
		err = s.DeleteClassification(ctx, c.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestClassifications_ClearUnclassifiedCounter(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteBatch(ctx, &store.Batch{Unclassified: []store.UnclassifiedObservation{
		{Device: "fw1", Kind: model.ClassKindZone, Name: "dmz", Count: 7},
		{Device: "fw1", Kind: model.ClassKindZone, Name: "guest", Count: 2},
	}}))

	_, err := s.UpsertClassification(ctx, &model.Classification{
		Device: "fw1", Kind: model.ClassKindZone, Name: "dmz", Side: model.SideOutside,
	})
	require.NoError(t, err)

	names, err := s.ListUnclassified(ctx, []string{"fw1"})
	require.NoError(t, err)
	require.Len(t, names, 1, "classifying a name clears its pending counter")
	assert.Equal(t, "guest", names[0].Name)
}
