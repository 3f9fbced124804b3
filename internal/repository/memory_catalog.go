package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"clocking-import/internal/models"

	"github.com/google/uuid"
)

// MemoryRawPunchRepo 内存版审计记录
type MemoryRawPunchRepo struct {
	mu      sync.RWMutex
	punches []models.RawPunch
}

func NewMemoryRawPunchRepo() *MemoryRawPunchRepo {
	return &MemoryRawPunchRepo{}
}

func (r *MemoryRawPunchRepo) Insert(_ context.Context, p *models.RawPunch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now().UTC()
	r.punches = append(r.punches, *p)
	return nil
}

func (r *MemoryRawPunchRepo) List(_ context.Context, status string, limit int) ([]models.RawPunch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = defaultListLimit
	}
	out := []models.RawPunch{}
	for _, p := range r.punches {
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ClockedAt.After(out[j].ClockedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryRuleRepo 内存版规则目录
type MemoryRuleRepo struct {
	mu    sync.RWMutex
	rules []models.IncidenceRule
}

func NewMemoryRuleRepo(rules ...models.IncidenceRule) *MemoryRuleRepo {
	return &MemoryRuleRepo{rules: rules}
}

func (r *MemoryRuleRepo) ListDelayRules(_ context.Context) ([]models.IncidenceRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []models.IncidenceRule{}
	for _, rule := range r.rules {
		if rule.Type == models.IncidenceTypeDelay {
			out = append(out, rule)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Threshold() < out[j].Threshold()
	})
	return out, nil
}

// MemoryDirectory 内存版员工目录
type MemoryDirectory struct {
	mu     sync.RWMutex
	byCode map[string]models.Employee
	byID   map[string]models.Employee
}

func NewMemoryDirectory(employees ...models.Employee) *MemoryDirectory {
	d := &MemoryDirectory{
		byCode: map[string]models.Employee{},
		byID:   map[string]models.Employee{},
	}
	for _, e := range employees {
		d.Add(e)
	}
	return d
}

// Add 添加或替换员工
func (d *MemoryDirectory) Add(e models.Employee) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	d.byCode[e.EmployeeCode] = e
	d.byID[e.ID] = e
}

func (d *MemoryDirectory) FindByCode(_ context.Context, code string) (*models.Employee, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.byCode[code]
	if !ok {
		return nil, ErrEmployeeNotFound
	}
	return &e, nil
}

func (d *MemoryDirectory) FindByID(_ context.Context, id string) (*models.Employee, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.byID[id]
	if !ok {
		return nil, ErrEmployeeNotFound
	}
	return &e, nil
}
