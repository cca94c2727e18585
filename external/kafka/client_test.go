package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/lumino/go-coordinator/entities"
	"github.com/stretchr/testify/assert"
	"github.com/twmb/franz-go/pkg/kgo"
)

type MockKafkaClient struct {
	shouldError bool
}

func (mkc *MockKafkaClient) Produce(_ context.Context, _ *kgo.Record, promise func(*kgo.Record, error)) {

	if mkc.shouldError {
		go promise(nil, errors.New("dummy error"))
		return
	}

	go promise(nil, nil)
}

func TestClient_PublishEvents(t *testing.T) {

	testData := []struct {
		name        string
		events      []entities.Event
		shouldError bool
	}{
		{
			name: "TestPublishEvents_1",
			events: []entities.Event{
				{
					Type:      entities.EventCommitmentSubmitted,
					Epoch:     12,
					NodeID:    7,
					Principal: "provider-alpha",
					Timestamp: 1744610180000,
				},
				{
					Type:      entities.EventSecretRevealed,
					Epoch:     12,
					NodeID:    7,
					Principal: "provider-alpha",
					Timestamp: 1744610190000,
				},
				{
					Type:      entities.EventLeaderElected,
					Epoch:     12,
					Leader:    7,
					Timestamp: 1744610200000,
				},
				{
					Type:      entities.EventJobAssigned,
					Epoch:     12,
					JobID:     101,
					NodeID:    7,
					Timestamp: 1744610210000,
				},
			},
			shouldError: false,
		},
		{
			name: "TestPublishEvents_2",
			events: []entities.Event{
				{
					Type:      entities.EventEpochSettled,
					Epoch:     13,
					Principal: "disputer-one",
					Timestamp: 1744620180000,
				},
				{
					Type:      entities.EventPrincipalSlashed,
					Epoch:     13,
					Principal: "provider-beta",
					Timestamp: 1744620180000,
				},
			},
			shouldError: true,
		},
	}

	for _, testRun := range testData {
		t.Run(testRun.name, func(t *testing.T) {

			kc := NewClient(&MockKafkaClient{
				shouldError: testRun.shouldError,
			})

			err := kc.PublishEvents(context.Background(), testRun.events)

			if testRun.shouldError {
				assert.Error(t, err)
				t.Logf("Err: %v", err)
				return
			}
			assert.NoError(t, err)

		})
	}
}
