package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// PostgresDSNEnv names the environment variable holding the connection
// string of a PostGIS database used by integration tests.
const PostgresDSNEnv = "CLEARMAP_TEST_POSTGRES_DSN"

// IntegrationTestSuite provides base functionality for integration tests
// against a live PostGIS database. Suites are skipped in short mode and when
// PostgresDSNEnv is unset.
type IntegrationTestSuite struct {
	suite.Suite
	ctx       context.Context
	cancel    context.CancelFunc
	dsn       string
	startTime time.Time
}

// SetupSuite runs before all tests in the suite
func (s *IntegrationTestSuite) SetupSuite() {
	IntegrationTest(s.T())

	s.dsn = os.Getenv(PostgresDSNEnv)
	if s.dsn == "" {
		s.T().Skipf("%s not set", PostgresDSNEnv)
	}

	s.ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Minute)
	s.startTime = time.Now()
}

// TearDownSuite runs after all tests in the suite
func (s *IntegrationTestSuite) TearDownSuite() {
	if s.cancel != nil {
		s.cancel()
	}
	s.T().Logf("Integration test suite completed in %v", time.Since(s.startTime))
}

// Context returns the suite context
func (s *IntegrationTestSuite) Context() context.Context {
	return s.ctx
}

// DSN returns the connection string of the test database
func (s *IntegrationTestSuite) DSN() string {
	return s.dsn
}

// IntegrationTest marks a test as an integration test
func IntegrationTest(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}
