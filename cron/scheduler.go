package cron

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/smallnest/wegram/internal/logger"
	"go.uber.org/zap"
)

// Scheduler 定时维护任务调度器
type Scheduler struct {
	cron    *Cron
	jobs    map[string]*Job
	mu      sync.RWMutex
	running bool
}

// Job 定时任务
type Job struct {
	ID       string
	Name     string
	Schedule string
	Task     func(ctx context.Context) error
	Timeout  time.Duration
	Enabled  bool
	LastRun  time.Time
	NextRun  time.Time
	RunCount int
	LastErr  string

	busy bool
}

// JobStatus 任务状态快照
type JobStatus struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Enabled  bool      `json:"enabled"`
	LastRun  time.Time `json:"last_run"`
	NextRun  time.Time `json:"next_run"`
	RunCount int       `json:"run_count"`
	LastErr  string    `json:"last_error,omitempty"`
}

// NewScheduler 创建调度器
func NewScheduler() *Scheduler {
	return &Scheduler{
		cron: NewCron(),
		jobs: make(map[string]*Job),
	}
}

// Name 组件名
func (s *Scheduler) Name() string {
	return "maintenance"
}

// Run 运行调度器直到 ctx 结束
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	logger.Info("Cron scheduler started", zap.Int("jobs", len(s.ListJobs())))
	s.cron.Run(ctx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	logger.Info("Cron scheduler stopped")
	return nil
}

// Status 任务状态，用于健康检查
func (s *Scheduler) Status() any {
	return s.ListJobs()
}

// AddJob 添加任务
func (s *Scheduler) AddJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job == nil {
		return fmt.Errorf("job cannot be nil")
	}
	if strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("job id cannot be empty")
	}
	if job.Task == nil {
		return fmt.Errorf("job %s has no task", job.ID)
	}
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	if job.Enabled {
		if err := s.scheduleJob(job); err != nil {
			return err
		}
	}
	s.jobs[job.ID] = job

	logger.Info("Cron job added",
		zap.String("job_id", job.ID),
		zap.String("schedule", job.Schedule),
	)
	return nil
}

// scheduleJob 调度任务，调用方持有 s.mu
func (s *Scheduler) scheduleJob(job *Job) error {
	schedule, err := Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}

	s.cron.Schedule(schedule, s.createJobFunc(job, schedule), job.ID)
	job.NextRun = schedule.Next(time.Now())
	return nil
}

// createJobFunc 创建任务函数，上一次未结束时跳过本次
func (s *Scheduler) createJobFunc(job *Job, schedule Schedule) func(ctx context.Context) {
	return func(ctx context.Context) {
		s.mu.Lock()
		if !job.Enabled || job.busy {
			s.mu.Unlock()
			logger.Debug("Skipping cron job", zap.String("job_id", job.ID))
			return
		}
		job.busy = true
		job.NextRun = schedule.Next(time.Now())
		s.mu.Unlock()

		logger.Debug("Running cron job",
			zap.String("job_id", job.ID),
			zap.String("name", job.Name),
		)
		err := s.executeJob(ctx, job)
		if err != nil {
			logger.Error("Cron job execution failed",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}

		s.mu.Lock()
		job.busy = false
		job.LastRun = time.Now()
		job.RunCount++
		job.LastErr = ""
		if err != nil {
			job.LastErr = err.Error()
		}
		s.mu.Unlock()
	}
}

// executeJob 执行任务
func (s *Scheduler) executeJob(ctx context.Context, job *Job) error {
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	return job.Task(ctx)
}

// RunNow 立即执行一次任务
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	return s.executeJob(ctx, job)
}

// RemoveJob 移除任务
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job %s not found", id)
	}
	s.cron.Remove(id)
	delete(s.jobs, id)

	logger.Info("Cron job removed", zap.String("job_id", id))
	return nil
}

// GetJob 获取任务状态
func (s *Scheduler) GetJob(id string) (JobStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return JobStatus{}, false
	}
	return job.status(), true
}

// ListJobs 列出所有任务
func (s *Scheduler) ListJobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.status())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

func (j *Job) status() JobStatus {
	return JobStatus{
		ID:       j.ID,
		Name:     j.Name,
		Schedule: j.Schedule,
		Enabled:  j.Enabled,
		LastRun:  j.LastRun,
		NextRun:  j.NextRun,
		RunCount: j.RunCount,
		LastErr:  j.LastErr,
	}
}

// EnableJob 启用任务
func (s *Scheduler) EnableJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if job.Enabled {
		return nil
	}

	job.Enabled = true
	if err := s.scheduleJob(job); err != nil {
		job.Enabled = false
		return err
	}

	logger.Info("Cron job enabled", zap.String("job_id", id))
	return nil
}

// DisableJob 禁用任务
func (s *Scheduler) DisableJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if !job.Enabled {
		return nil
	}

	job.Enabled = false
	s.cron.Remove(id)

	logger.Info("Cron job disabled", zap.String("job_id", id))
	return nil
}
