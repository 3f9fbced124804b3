package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clocking-import/internal/models"

	"github.com/google/uuid"
)

// MemoryIncidenceRepo 内存版异常仓库
type MemoryIncidenceRepo struct {
	mu         sync.RWMutex
	incidences map[string]models.Incidence // id -> incidence
}

func NewMemoryIncidenceRepo() *MemoryIncidenceRepo {
	return &MemoryIncidenceRepo{incidences: map[string]models.Incidence{}}
}

func (r *MemoryIncidenceRepo) findDelayLocked(employeeID, attendanceID string) *models.Incidence {
	var found *models.Incidence
	for _, inc := range r.incidences {
		if inc.EmployeeID != employeeID || inc.AttendanceID != attendanceID || inc.Type != models.IncidenceTypeDelay {
			continue
		}
		inc := inc
		switch {
		case found == nil:
			found = &inc
		case inc.Status == models.IncidenceStatusPending && found.Status != models.IncidenceStatusPending:
			found = &inc
		case (inc.Status == models.IncidenceStatusPending) == (found.Status == models.IncidenceStatusPending) &&
			inc.UpdatedAt.After(found.UpdatedAt):
			found = &inc
		}
	}
	return found
}

func (r *MemoryIncidenceRepo) FindOrCreateDelay(_ context.Context, candidate *models.Incidence) (*models.Incidence, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.findDelayLocked(candidate.EmployeeID, candidate.AttendanceID); existing != nil {
		return cloneIncidence(*existing), false, nil
	}

	inc := *cloneIncidence(*candidate)
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	inc.Type = models.IncidenceTypeDelay
	if inc.Status == "" {
		inc.Status = models.IncidenceStatusPending
	}
	now := time.Now().UTC()
	inc.CreatedAt = now
	inc.UpdatedAt = now
	r.incidences[inc.ID] = inc

	return cloneIncidence(inc), true, nil
}

func (r *MemoryIncidenceRepo) UpdateDelay(_ context.Context, inc *models.Incidence) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.incidences[inc.ID]
	if !ok {
		return fmt.Errorf("incidence %s not found", inc.ID)
	}
	if stored.Status == models.IncidenceStatusDismissed {
		return nil
	}
	stored.Minutes = inc.Minutes
	stored.RuleID = cloneString(inc.RuleID)
	stored.OccurredAt = inc.OccurredAt
	stored.UpdatedAt = time.Now().UTC()
	r.incidences[inc.ID] = stored
	return nil
}

func (r *MemoryIncidenceRepo) ClearPendingDelay(_ context.Context, employeeID, attendanceID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, inc := range r.incidences {
		if inc.EmployeeID == employeeID && inc.AttendanceID == attendanceID &&
			inc.Type == models.IncidenceTypeDelay && inc.Status == models.IncidenceStatusPending {
			delete(r.incidences, id)
			n++
		}
	}
	return n, nil
}

// Put 直接写入（模拟外部工作流修改状态）
func (r *MemoryIncidenceRepo) Put(inc models.Incidence) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	if inc.UpdatedAt.IsZero() {
		inc.UpdatedAt = time.Now().UTC()
	}
	r.incidences[inc.ID] = *cloneIncidence(inc)
}

// ForAttendance 返回某条考勤的全部异常
func (r *MemoryIncidenceRepo) ForAttendance(employeeID, attendanceID string) []models.Incidence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Incidence
	for _, inc := range r.incidences {
		if inc.EmployeeID == employeeID && inc.AttendanceID == attendanceID {
			out = append(out, *cloneIncidence(inc))
		}
	}
	return out
}

func cloneIncidence(inc models.Incidence) *models.Incidence {
	inc.RuleID = cloneString(inc.RuleID)
	inc.Notes = cloneString(inc.Notes)
	return &inc
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
