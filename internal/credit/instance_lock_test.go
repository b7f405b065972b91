//go:build integration

package credit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cipherscore/internal/testutil"
)

func TestInstanceLock_SecondInstanceRejected(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	first, err := AcquireInstanceLock(ctx, db)
	require.NoError(t, err)
	require.NoError(t, first.Check(ctx))

	_, err = AcquireInstanceLock(ctx, db)
	assert.ErrorIs(t, err, ErrInstanceLocked)

	require.NoError(t, first.Release(ctx))

	second, err := AcquireInstanceLock(ctx, db)
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
}
