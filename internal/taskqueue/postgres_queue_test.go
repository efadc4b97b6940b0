package taskqueue

import (
	"context"
	"testing"

	"github.com/abhogle/leadops-os-sub001/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestPostgresQueueSuite(t *testing.T) {
	dsn := testutil.StartPostgres(t)

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	suite.Run(t, &QueueSuite{
		newQueue: func(name string, opts Options) Queue {
			q, err := NewPostgresQueue(ctx, pool, name, opts)
			require.NoError(t, err)
			return q
		},
	})
}
