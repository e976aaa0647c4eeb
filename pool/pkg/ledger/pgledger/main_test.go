package pgledger_test

import (
	"context"
	"os"
	"testing"

	"github.com/malbeclabs/rewardpool/pool/pkg/ledger/pgledger"
	rptesting "github.com/malbeclabs/rewardpool/utils/pkg/testing"
)

var testDB *rptesting.PostgresDB

func TestMain(m *testing.M) {
	ctx := context.Background()
	log := rptesting.NewLogger()

	var err error
	testDB, err = rptesting.NewPostgresDB(ctx, log, nil)
	if err != nil {
		// Integration tests skip themselves without a container runtime.
		log.Warn("failed to start PostgreSQL container", "error", err)
		os.Exit(m.Run())
	}
	if err := pgledger.Up(ctx, log, testDB.ConnStr()); err != nil {
		log.Error("failed to run migrations", "error", err)
		testDB.Close()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	os.Exit(code)
}

func requireDB(t *testing.T) *rptesting.PostgresDB {
	t.Helper()
	if testDB == nil {
		t.Skip("PostgreSQL container not available")
	}
	return testDB
}
