//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	audit "piivault/pkg/platform/audit"
	"piivault/pkg/platform/audit/store/postgres"
	"piivault/pkg/testutil/containers"
)

type AuditStoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *postgres.Store
}

func TestAuditStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(AuditStoreSuite))
}

func (s *AuditStoreSuite) SetupSuite() {
	s.pg = containers.GetManager().GetPostgres(s.T())
	s.store = postgres.New(s.pg.Pool)
}

func (s *AuditStoreSuite) SetupTest() {
	s.Require().NoError(s.pg.TruncateTables(context.Background(), "pii_audit_log"))
}

func (s *AuditStoreSuite) appendEntry(profileID string, action audit.Action, at time.Time) {
	s.Require().NoError(s.store.Append(context.Background(), audit.Entry{
		ID:             uuid.New(),
		TenantID:       "tenant-a",
		ProfileID:      profileID,
		OperatorID:     "user-1",
		Action:         action,
		FieldsAccessed: []string{"givenName"},
		IPAddress:      "10.0.0.1",
		JWTJTI:         "jti-1",
		Metadata:       map[string]any{"jobId": "job-1"},
		OccurredAt:     at,
	}))
}

func (s *AuditStoreSuite) TestListNewestFirstWithMetadata() {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.appendEntry("p-1", audit.ActionCreate, base)
	s.appendEntry("p-1", audit.ActionRead, base.Add(time.Minute))

	page, err := s.store.List(context.Background(), audit.Filter{TenantID: "tenant-a", ProfileID: "p-1"})

	s.Require().NoError(err)
	s.Equal(2, page.Total)
	s.Require().Len(page.Entries, 2)
	s.Equal(audit.ActionRead, page.Entries[0].Action)
	s.Equal([]string{"givenName"}, page.Entries[0].FieldsAccessed)
	s.Equal("job-1", page.Entries[0].Metadata["jobId"])
	s.True(page.Entries[1].OccurredAt.Equal(base))
}

func (s *AuditStoreSuite) TestFiltersAndPagination() {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range 5 {
		s.appendEntry("p-1", audit.ActionRead, base.Add(time.Duration(i)*time.Hour))
	}
	s.appendEntry("p-2", audit.ActionDelete, base)

	page, err := s.store.List(context.Background(), audit.Filter{
		TenantID: "tenant-a",
		Action:   audit.ActionRead,
		From:     base.Add(time.Hour),
		To:       base.Add(4 * time.Hour),
		Limit:    2,
	})
	s.Require().NoError(err)
	s.Equal(3, page.Total)
	s.Len(page.Entries, 2)

	page, err = s.store.List(context.Background(), audit.Filter{TenantID: "tenant-b"})
	s.Require().NoError(err)
	s.Zero(page.Total)
	s.Empty(page.Entries)
}
