package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"clocking-import/internal/models"
	"clocking-import/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func intPtr(i int) *int { return &i }
func strPtr(s string) *string { return &s }
func timePtr(t time.Time) *time.Time { return &t }

func tieredRules() []models.IncidenceRule {
	return []models.IncidenceRule{
		{ID: "rule-5", Type: models.IncidenceTypeDelay, ThresholdMinutes: intPtr(5)},
		{ID: "rule-15", Type: models.IncidenceTypeDelay, ThresholdMinutes: intPtr(15)},
		{ID: "rule-30", Type: models.IncidenceTypeDelay, ThresholdMinutes: intPtr(30)},
	}
}

var utcMorning = &models.Schedule{ID: "sch-1", Timezone: "UTC", StartTime: "09:00", EndTime: "18:00"}

func newEvaluator() (*DelayEvaluator, *repository.MemoryIncidenceRepo) {
	repo := repository.NewMemoryIncidenceRepo()
	return NewDelayEvaluator(repo, zap.NewNop()), repo
}

func input(checkIn *time.Time, schedule *models.Schedule) Input {
	return Input{
		EmployeeID:   "emp-1",
		AttendanceID: "att-1",
		Date:         "2024-01-15",
		CheckIn:      checkIn,
		Schedule:     schedule,
	}
}

func TestSelectRule_TieredEscalation(t *testing.T) {
	rules := tieredRules()

	tests := []struct {
		minutes  int
		expected string
	}{
		{5, "rule-5"},
		{14, "rule-5"},
		{15, "rule-15"},
		{20, "rule-15"},
		{30, "rule-30"},
		{120, "rule-30"},
	}
	for _, tt := range tests {
		rule := SelectRule(rules, tt.minutes)
		require.NotNil(t, rule, "minutes=%d", tt.minutes)
		assert.Equal(t, tt.expected, rule.ID, "minutes=%d", tt.minutes)
	}

	assert.Nil(t, SelectRule(rules, 3))
	assert.Nil(t, SelectRule(nil, 30))
}

func TestBaseThreshold(t *testing.T) {
	assert.Equal(t, DefaultDelayThreshold, BaseThreshold(nil))
	assert.Equal(t, 5, BaseThreshold(tieredRules()))
	assert.Equal(t, 0, BaseThreshold([]models.IncidenceRule{{ID: "grace"}}))
}

func TestMinutesLate_TruncatesTowardZero(t *testing.T) {
	start := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	assert.Equal(t, 25, MinutesLate(start.Add(25*time.Minute), start))
	assert.Equal(t, 5, MinutesLate(start.Add(5*time.Minute+59*time.Second), start))
	assert.Equal(t, 0, MinutesLate(start.Add(59*time.Second), start))
	assert.Equal(t, 0, MinutesLate(start.Add(-59*time.Second), start))
	assert.Equal(t, -10, MinutesLate(start.Add(-10*time.Minute), start))
}

func TestScheduledStart(t *testing.T) {
	start, err := ScheduledStart("2024-01-15", &models.Schedule{Timezone: "America/Mexico_City", StartTime: "09:00:00"})
	require.NoError(t, err)
	assert.True(t, start.Equal(time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC)))

	start, err = ScheduledStart("2024-01-15", &models.Schedule{StartTime: "08:30"})
	require.NoError(t, err)
	assert.True(t, start.Equal(time.Date(2024, 1, 15, 8, 30, 0, 0, time.UTC)))

	_, err = ScheduledStart("2024-01-15", &models.Schedule{Timezone: "Nowhere/Void", StartTime: "09:00"})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = ScheduledStart("2024-01-15", &models.Schedule{StartTime: "nine"})
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestEvaluate_CreatesPendingIncidence(t *testing.T) {
	e, repo := newEvaluator()
	checkIn := time.Date(2024, 1, 15, 9, 25, 0, 0, time.UTC)

	outcome, err := e.Evaluate(context.Background(), input(&checkIn, utcMorning), tieredRules())

	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	stored := repo.ForAttendance("emp-1", "att-1")
	require.Len(t, stored, 1)
	assert.Equal(t, 25, stored[0].Minutes)
	assert.Equal(t, models.IncidenceStatusPending, stored[0].Status)
	assert.Equal(t, models.IncidenceTypeDelay, stored[0].Type)
	assert.Equal(t, "rule-15", *stored[0].RuleID)
	assert.True(t, checkIn.Equal(stored[0].OccurredAt))
}

func TestEvaluate_TwentyMinutesSelectsFifteenRule(t *testing.T) {
	e, repo := newEvaluator()
	checkIn := time.Date(2024, 1, 15, 9, 20, 0, 0, time.UTC)

	_, err := e.Evaluate(context.Background(), input(&checkIn, utcMorning), tieredRules())

	require.NoError(t, err)
	stored := repo.ForAttendance("emp-1", "att-1")
	require.Len(t, stored, 1)
	assert.Equal(t, "rule-15", *stored[0].RuleID)
}

func TestEvaluate_WithinGraceClearsPending(t *testing.T) {
	e, repo := newEvaluator()
	repo.Put(models.Incidence{
		ID: "inc-old", EmployeeID: "emp-1", AttendanceID: "att-1",
		Type: models.IncidenceTypeDelay, Minutes: 12, Status: models.IncidenceStatusPending,
	})
	checkIn := time.Date(2024, 1, 15, 9, 3, 0, 0, time.UTC)

	outcome, err := e.Evaluate(context.Background(), input(&checkIn, utcMorning), tieredRules())

	require.NoError(t, err)
	assert.Equal(t, OutcomeCleared, outcome)
	assert.Empty(t, repo.ForAttendance("emp-1", "att-1"))
}

func TestEvaluate_OnTimeClearsPending(t *testing.T) {
	e, repo := newEvaluator()
	repo.Put(models.Incidence{
		EmployeeID: "emp-1", AttendanceID: "att-1",
		Type: models.IncidenceTypeDelay, Minutes: 12, Status: models.IncidenceStatusPending,
	})
	checkIn := time.Date(2024, 1, 15, 8, 45, 0, 0, time.UTC)

	outcome, err := e.Evaluate(context.Background(), input(&checkIn, utcMorning), tieredRules())

	require.NoError(t, err)
	assert.Equal(t, OutcomeCleared, outcome)
	assert.Empty(t, repo.ForAttendance("emp-1", "att-1"))
}

func TestEvaluate_DismissedIsSticky(t *testing.T) {
	e, repo := newEvaluator()
	repo.Put(models.Incidence{
		ID: "inc-1", EmployeeID: "emp-1", AttendanceID: "att-1", RuleID: strPtr("rule-15"),
		Type: models.IncidenceTypeDelay, Minutes: 20, Status: models.IncidenceStatusDismissed,
	})
	checkIn := time.Date(2024, 1, 15, 9, 45, 0, 0, time.UTC)

	outcome, err := e.Evaluate(context.Background(), input(&checkIn, utcMorning), tieredRules())

	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)
	stored := repo.ForAttendance("emp-1", "att-1")
	require.Len(t, stored, 1)
	assert.Equal(t, models.IncidenceStatusDismissed, stored[0].Status)
	assert.Equal(t, 20, stored[0].Minutes)
	assert.Equal(t, "rule-15", *stored[0].RuleID)
}

func TestEvaluate_DismissedSurvivesOnTimeReimport(t *testing.T) {
	e, repo := newEvaluator()
	repo.Put(models.Incidence{
		EmployeeID: "emp-1", AttendanceID: "att-1",
		Type: models.IncidenceTypeDelay, Minutes: 20, Status: models.IncidenceStatusDismissed,
	})
	checkIn := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	_, err := e.Evaluate(context.Background(), input(&checkIn, utcMorning), tieredRules())

	require.NoError(t, err)
	assert.Len(t, repo.ForAttendance("emp-1", "att-1"), 1)
}

func TestEvaluate_AcknowledgedRefreshedNotReopened(t *testing.T) {
	e, repo := newEvaluator()
	repo.Put(models.Incidence{
		ID: "inc-1", EmployeeID: "emp-1", AttendanceID: "att-1", RuleID: strPtr("rule-5"),
		Type: models.IncidenceTypeDelay, Minutes: 7, Status: models.IncidenceStatusAcknowledged,
	})
	checkIn := time.Date(2024, 1, 15, 9, 31, 30, 0, time.UTC)

	outcome, err := e.Evaluate(context.Background(), input(&checkIn, utcMorning), tieredRules())

	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	stored := repo.ForAttendance("emp-1", "att-1")
	require.Len(t, stored, 1)
	assert.Equal(t, models.IncidenceStatusAcknowledged, stored[0].Status)
	assert.Equal(t, 31, stored[0].Minutes)
	assert.Equal(t, "rule-30", *stored[0].RuleID)
	assert.True(t, checkIn.Equal(stored[0].OccurredAt))
}

func TestEvaluate_NoScheduleNeverCreates(t *testing.T) {
	e, repo := newEvaluator()
	repo.Put(models.Incidence{
		EmployeeID: "emp-1", AttendanceID: "att-1",
		Type: models.IncidenceTypeDelay, Minutes: 40, Status: models.IncidenceStatusPending,
	})
	checkIn := time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC)

	outcome, err := e.Evaluate(context.Background(), input(&checkIn, nil), tieredRules())

	require.NoError(t, err)
	assert.Equal(t, OutcomeCleared, outcome)
	assert.Empty(t, repo.ForAttendance("emp-1", "att-1"))
}

func TestEvaluate_NoCheckInClears(t *testing.T) {
	e, repo := newEvaluator()
	repo.Put(models.Incidence{
		EmployeeID: "emp-1", AttendanceID: "att-1",
		Type: models.IncidenceTypeDelay, Minutes: 40, Status: models.IncidenceStatusPending,
	})

	outcome, err := e.Evaluate(context.Background(), input(nil, utcMorning), tieredRules())

	require.NoError(t, err)
	assert.Equal(t, OutcomeCleared, outcome)
	assert.Empty(t, repo.ForAttendance("emp-1", "att-1"))
}

func TestEvaluate_NoRulesUsesDefaultThreshold(t *testing.T) {
	e, repo := newEvaluator()

	outcome, err := e.Evaluate(context.Background(), input(timePtr(time.Date(2024, 1, 15, 9, 4, 0, 0, time.UTC)), utcMorning), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCleared, outcome)

	outcome, err = e.Evaluate(context.Background(), input(timePtr(time.Date(2024, 1, 15, 9, 6, 0, 0, time.UTC)), utcMorning), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)

	stored := repo.ForAttendance("emp-1", "att-1")
	require.Len(t, stored, 1)
	assert.Nil(t, stored[0].RuleID)
	assert.Equal(t, 6, stored[0].Minutes)
}

func TestEvaluate_UnmatchedRuleKeepsExisting(t *testing.T) {
	e, repo := newEvaluator()
	repo.Put(models.Incidence{
		ID: "inc-1", EmployeeID: "emp-1", AttendanceID: "att-1", RuleID: strPtr("rule-legacy"),
		Type: models.IncidenceTypeDelay, Minutes: 8, Status: models.IncidenceStatusPending,
	})

	outcome, err := e.Evaluate(context.Background(), input(timePtr(time.Date(2024, 1, 15, 9, 10, 0, 0, time.UTC)), utcMorning), nil)

	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	stored := repo.ForAttendance("emp-1", "att-1")
	require.Len(t, stored, 1)
	assert.Equal(t, "rule-legacy", *stored[0].RuleID)
	assert.Equal(t, 10, stored[0].Minutes)
}

func TestEvaluate_ScheduleTimezone(t *testing.T) {
	e, repo := newEvaluator()
	schedule := &models.Schedule{Timezone: "America/Mexico_City", StartTime: "09:00"}
	checkIn := time.Date(2024, 1, 15, 15, 16, 0, 0, time.UTC) // 09:16 当地时间

	_, err := e.Evaluate(context.Background(), input(&checkIn, schedule), tieredRules())

	require.NoError(t, err)
	stored := repo.ForAttendance("emp-1", "att-1")
	require.Len(t, stored, 1)
	assert.Equal(t, 16, stored[0].Minutes)
	assert.Equal(t, "rule-15", *stored[0].RuleID)
}

func TestEvaluate_InvalidScheduleReturnsError(t *testing.T) {
	e, repo := newEvaluator()
	checkIn := time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)

	_, err := e.Evaluate(context.Background(), input(&checkIn, &models.Schedule{Timezone: "Bad/Zone", StartTime: "09:00"}), tieredRules())

	assert.True(t, errors.Is(err, ErrInvalidSchedule))
	assert.Empty(t, repo.ForAttendance("emp-1", "att-1"))
}
