package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piivault/pkg/domain"
	audit "piivault/pkg/platform/audit"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(tenant domain.TenantID, profileID string, action audit.Action, at time.Time) audit.Entry {
	return audit.Entry{
		TenantID:       tenant,
		ProfileID:      profileID,
		OperatorID:     "user-1",
		Action:         action,
		FieldsAccessed: []string{"givenName"},
		OccurredAt:     at,
	}
}

func TestListNewestFirstScopedToTenant(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, entry("tenant-a", "p-1", audit.ActionCreate, base)))
	require.NoError(t, s.Append(ctx, entry("tenant-a", "p-1", audit.ActionRead, base.Add(time.Minute))))
	require.NoError(t, s.Append(ctx, entry("tenant-b", "p-1", audit.ActionRead, base)))

	page, err := s.List(ctx, audit.Filter{TenantID: "tenant-a"})

	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, audit.DefaultPageSize, page.Limit)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, audit.ActionRead, page.Entries[0].Action)
	assert.Equal(t, audit.ActionCreate, page.Entries[1].Action)
}

func TestListFiltersAndPages(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, s.Append(ctx, entry("tenant-a", "p-1", audit.ActionRead, base.Add(time.Duration(i)*time.Hour))))
	}
	require.NoError(t, s.Append(ctx, entry("tenant-a", "p-2", audit.ActionDelete, base)))

	page, err := s.List(ctx, audit.Filter{
		TenantID: "tenant-a",
		Action:   audit.ActionRead,
		From:     base.Add(time.Hour),
		To:       base.Add(4 * time.Hour),
		Limit:    2,
		Offset:   1,
	})

	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Entries, 2)
	assert.True(t, page.Entries[0].OccurredAt.Equal(base.Add(2*time.Hour)))
	assert.True(t, page.Entries[1].OccurredAt.Equal(base.Add(time.Hour)))

	page, err = s.List(ctx, audit.Filter{TenantID: "tenant-a", ProfileID: "p-2"})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, audit.ActionDelete, page.Entries[0].Action)
}

func TestListOffsetPastEndIsEmpty(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.Append(context.Background(), entry("tenant-a", "p-1", audit.ActionRead, base)))

	page, err := s.List(context.Background(), audit.Filter{TenantID: "tenant-a", Offset: 10})

	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Empty(t, page.Entries)
	assert.NotNil(t, page.Entries)
}

func TestAppendCopiesFields(t *testing.T) {
	s := NewInMemoryStore()
	e := entry("tenant-a", "p-1", audit.ActionRead, base)
	require.NoError(t, s.Append(context.Background(), e))

	e.FieldsAccessed[0] = "mutated"

	assert.Equal(t, []string{"givenName"}, s.All()[0].FieldsAccessed)
}
