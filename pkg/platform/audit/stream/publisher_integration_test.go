//go:build integration

package stream_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "piivault/pkg/platform/audit"
	"piivault/pkg/platform/audit/stream"
	"piivault/pkg/testutil/containers"
)

type PublisherSuite struct {
	suite.Suite
	redpanda *containers.RedpandaContainer
}

func TestPublisherSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PublisherSuite))
}

func (s *PublisherSuite) SetupSuite() {
	s.redpanda = containers.GetManager().GetRedpanda(s.T())
}

func (s *PublisherSuite) TestPublishedEntryIsConsumable() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	topic := "pii-audit-" + uuid.NewString()[:8]

	pub, err := stream.New(stream.Config{Brokers: s.redpanda.Brokers, Topic: topic})
	s.Require().NoError(err)
	defer pub.Close()

	s.Require().NoError(pub.EnsureTopic(ctx, 1, 1))
	// Creating twice is not an error.
	s.Require().NoError(pub.EnsureTopic(ctx, 1, 1))

	entry := audit.Entry{
		ID:             uuid.New(),
		TenantID:       "tenant-1",
		ProfileID:      "P1",
		OperatorID:     "user-1",
		Action:         audit.ActionRead,
		FieldsAccessed: []string{"givenName"},
		OccurredAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
	s.Require().NoError(pub.Publish(ctx, entry))
	s.True(pub.Healthy())

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.redpanda.Brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	fetches := consumer.PollFetches(ctx)
	s.Require().NoError(fetches.Err())
	records := fetches.Records()
	s.Require().Len(records, 1)

	s.Equal([]byte("tenant-1"), records[0].Key)
	var got audit.Entry
	s.Require().NoError(json.Unmarshal(records[0].Value, &got))
	s.Equal(entry.ID, got.ID)
	s.Equal(audit.ActionRead, got.Action)
	s.Equal([]string{"givenName"}, got.FieldsAccessed)

	headers := map[string]string{}
	for _, h := range records[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	s.Equal(string(audit.CategoryCompliance), headers["category"])
}
