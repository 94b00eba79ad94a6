package sql

import (
	"context"
	"flag"
	"log"
	"os"
	"testing"

	"github.com/siherrmann/tipper/helper"
	"github.com/stretchr/testify/require"
)

var dbPort string

func TestMain(m *testing.M) {
	flag.Parse()
	os.Exit(runWithPostgres(m))
}

// runWithPostgres runs the tests against a pgvector container, or without one in short mode
func runWithPostgres(m *testing.M) int {
	if testing.Short() {
		return m.Run()
	}

	teardown, port, err := helper.MustStartPostgresContainer()
	if err != nil {
		log.Printf("Skipping database tests, no container: %v", err)
		return m.Run()
	}
	defer func() {
		if err := teardown(context.Background()); err != nil {
			log.Printf("Failed to stop postgres container: %v", err)
		}
	}()

	dbPort = port
	return m.Run()
}

// initDB connects to the test container and creates the extensions
func initDB(t *testing.T) *helper.Database {
	if dbPort == "" {
		t.Skip("postgres container not started in short mode")
	}
	helper.SetTestDatabaseConfigEnvs(t, dbPort)
	dbConfig, err := helper.NewDatabaseConfiguration()
	require.NoError(t, err, "database configuration from env")
	db := helper.NewTestDatabase(dbConfig)
	require.NoError(t, Init(db.Instance))
	return db
}
