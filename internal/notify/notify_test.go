package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"clocking-import/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockPublisher MQTT 发布端 mock
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(topic string, retained bool, payload []byte) error {
	args := m.Called(topic, retained, payload)
	return args.Error(0)
}

func sampleResult() models.JobResult {
	return models.JobResult{
		JobID:      "job-1",
		FilePath:   "/tmp/uploads/1-clockings.csv",
		Result:     models.JobResultCompleted,
		Attempt:    1,
		Summary:    &models.ImportSummary{Processed: 3, Unresolved: 1},
		FinishedAt: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
	}
}

func TestStreamNotifier_PublishesResult(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	n := NewStreamNotifier(client, "clockings:import:results")
	require.NoError(t, n.Notify(context.Background(), sampleResult()))

	msgs, err := client.XRange(context.Background(), "clockings:import:results", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var got models.JobResult
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &got))
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, models.JobResultCompleted, got.Result)
	require.NotNil(t, got.Summary)
	assert.Equal(t, 3, got.Summary.Processed)
}

func TestMQTTNotifier_PublishesJSON(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", "clockings/import/results", false, mock.MatchedBy(func(payload []byte) bool {
		return strings.Contains(string(payload), `"job_id":"job-1"`)
	})).Return(nil)

	n := NewMQTTNotifier(pub, "clockings/import/results")
	require.NoError(t, n.Notify(context.Background(), sampleResult()))

	pub.AssertExpectations(t)
}

func TestMulti_ContinuesAfterFailure(t *testing.T) {
	failing := new(MockPublisher)
	failing.On("Publish", "a", false, mock.AnythingOfType("[]uint8")).Return(errors.New("broker down"))
	ok := new(MockPublisher)
	ok.On("Publish", "b", false, mock.AnythingOfType("[]uint8")).Return(nil)

	m := NewMulti(zap.NewNop(), NewMQTTNotifier(failing, "a"), NewMQTTNotifier(ok, "b"))
	err := m.Notify(context.Background(), sampleResult())

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	failing.AssertExpectations(t)
	ok.AssertExpectations(t)
}

func TestMulti_Empty(t *testing.T) {
	m := NewMulti(zap.NewNop())
	assert.NoError(t, m.Notify(context.Background(), sampleResult()))
}
