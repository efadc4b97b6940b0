package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/abhogle/leadops-os-sub001/internal/testutil"
)

func TestMongoStoreSuite(t *testing.T) {
	uri := testutil.StartMongo(t)

	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	store, err := NewMongoStore(ctx, client, "leadflow_test")
	require.NoError(t, err)

	suite.Run(t, &LedgerSuite{
		newLedger: func() Ledger { return store },
	})
}
