package repository

import (
	"context"
	"sync"
	"time"

	"clocking-import/internal/models"

	"github.com/google/uuid"
)

// MemoryAttendanceRepo DB 未启用时使用，也用于单元测试
type MemoryAttendanceRepo struct {
	mu   sync.RWMutex
	days map[string]models.AttendanceDay // employeeID|date -> day
}

func NewMemoryAttendanceRepo() *MemoryAttendanceRepo {
	return &MemoryAttendanceRepo{days: map[string]models.AttendanceDay{}}
}

func attendanceKey(employeeID, date string) string {
	return employeeID + "|" + date
}

func (r *MemoryAttendanceRepo) Find(_ context.Context, employeeID, date string) (*models.AttendanceDay, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	day, ok := r.days[attendanceKey(employeeID, date)]
	if !ok {
		return nil, nil
	}
	out := cloneAttendance(day)
	return &out, nil
}

func (r *MemoryAttendanceRepo) Upsert(_ context.Context, day *models.AttendanceDay) (*models.AttendanceDay, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	key := attendanceKey(day.EmployeeID, day.Date)
	stored := cloneAttendance(*day)
	if stored.Status == "" {
		stored.Status = models.AttendanceStatusPresent
	}
	if stored.Source == "" {
		stored.Source = models.AttendanceSourceImport
	}

	if existing, ok := r.days[key]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.days[key] = stored

	out := cloneAttendance(stored)
	return &out, nil
}

// All 返回全部考勤（无序）
func (r *MemoryAttendanceRepo) All() []models.AttendanceDay {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.AttendanceDay, 0, len(r.days))
	for _, d := range r.days {
		out = append(out, cloneAttendance(d))
	}
	return out
}

func cloneAttendance(d models.AttendanceDay) models.AttendanceDay {
	if d.CheckIn != nil {
		t := *d.CheckIn
		d.CheckIn = &t
	}
	if d.CheckOut != nil {
		t := *d.CheckOut
		d.CheckOut = &t
	}
	if d.TotalMinutes != nil {
		m := *d.TotalMinutes
		d.TotalMinutes = &m
	}
	return d
}
