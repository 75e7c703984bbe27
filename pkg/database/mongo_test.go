package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestOpenMongoValidation(t *testing.T) {
	_, err := OpenMongo(context.Background(), MongoConfig{Database: "supportline"})
	assert.ErrorContains(t, err, "uri is required")

	_, err = OpenMongo(context.Background(), MongoConfig{URI: "mongodb://127.0.0.1:1"})
	assert.ErrorContains(t, err, "database is required")
}

func TestOpenMongoStopsRetryingWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := OpenMongo(ctx, MongoConfig{
		URI:      "mongodb://127.0.0.1:1/?serverSelectionTimeoutMS=50&connectTimeoutMS=50",
		Database: "supportline",
		MaxRetry: 10,
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), mongoRetryWait, "gave up when the context ended, not after a full retry wait")
}

// Runs against a real server only; the shared store suite covers the
// query paths through backends().
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("SUPPORTLINE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("SUPPORTLINE_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	cfg := MongoConfig{URI: uri, Database: "supportline_test_indexes"}

	s, err := OpenMongo(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.messages.Database().Drop(context.Background())
		s.Close()
	})

	// Index creation is idempotent across restarts
	again, err := OpenMongo(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, again.Close())

	m, err := s.CreateMessage(ctx, "alice", "admin", "hello")
	require.NoError(t, err)
	_, err = primitive.ObjectIDFromHex(m.ID)
	assert.NoError(t, err, "message ids are object ids")
}
