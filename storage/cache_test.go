package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viperbmw/netstacks-sub000/types"
)

type countingRegistry struct {
	StepTypeRegistry
	calls int
}

func (c *countingRegistry) LookupStepType(ctx context.Context, id string) (types.CustomStepType, error) {
	c.calls++
	return c.StepTypeRegistry.LookupStepType(ctx, id)
}

func TestCachedRegistry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	require.NoError(t, store.SaveStepType(ctx, types.CustomStepType{
		StepTypeID: "audit", IsCustom: true, CustomType: types.CustomTypeScript, CustomCode: "result = 1",
	}))
	backing := &countingRegistry{StepTypeRegistry: store}
	reg := NewCachedRegistry(backing, 0)

	t.Run("HitIsServedFromCache", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			st, err := reg.LookupStepType(ctx, "audit")
			require.NoError(t, err)
			assert.Equal(t, "result = 1", st.CustomCode)
		}
		assert.Equal(t, 1, backing.calls)
	})

	t.Run("MissIsNotCached", func(t *testing.T) {
		before := backing.calls
		_, err := reg.LookupStepType(ctx, "unknown")
		assert.ErrorIs(t, err, ErrStepTypeNotFound)
		_, err = reg.LookupStepType(ctx, "unknown")
		assert.ErrorIs(t, err, ErrStepTypeNotFound)
		assert.Equal(t, before+2, backing.calls)
	})

	t.Run("Invalidate", func(t *testing.T) {
		require.NoError(t, store.SaveStepType(ctx, types.CustomStepType{
			StepTypeID: "audit", IsCustom: true, CustomType: types.CustomTypeScript, CustomCode: "result = 2",
		}))
		reg.Invalidate("audit")
		st, err := reg.LookupStepType(ctx, "audit")
		require.NoError(t, err)
		assert.Equal(t, "result = 2", st.CustomCode)
	})
}
