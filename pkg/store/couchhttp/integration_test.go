package couchhttp_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/couchmodel/couchmodel.go/internal/testenv"
	"github.com/couchmodel/couchmodel.go/pkg/store"
	"github.com/couchmodel/couchmodel.go/pkg/store/storetest"
)

// TestLiveConformance runs the conformance suite against the server named by
// COUCHMODEL_TEST_COUCHDB_URL.
func TestLiveConformance(t *testing.T) {
	dbs := []string{"shop", "other", "tenant_a", "tenant_ab"}
	if testenv.CouchURL() == "" {
		t.Skipf("%s not set", testenv.EnvCouchURL)
	}
	suite.Run(t, &storetest.Suite{New: func() store.Store {
		return testenv.NewCouchStore(t, dbs...)
	}})
}
