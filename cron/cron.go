package cron

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Cron 定时任务管理器
type Cron struct {
	mu       sync.Mutex
	jobs     map[string]*ScheduledJob
	tick     time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// ScheduledJob 定时任务
type ScheduledJob struct {
	ID       string
	Schedule Schedule
	Func     func(ctx context.Context)
	Next     time.Time
}

// NewCron 创建 Cron
func NewCron() *Cron {
	return &Cron{
		jobs: make(map[string]*ScheduledJob),
		tick: time.Second,
		stop: make(chan struct{}),
	}
}

// Schedule 调度接口
type Schedule interface {
	Next(time.Time) time.Time
}

// ScheduleFunc 调度函数
type ScheduleFunc func(time.Time) time.Time

// Next 实现 Schedule 接口
func (f ScheduleFunc) Next(t time.Time) time.Time {
	return f(t)
}

// Run 运行 Cron，直到 ctx 结束或 Stop
func (c *Cron) Run(ctx context.Context) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.fire(ctx, now)
		}
	}
}

func (c *Cron) fire(ctx context.Context, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, job := range c.jobs {
		if now.Before(job.Next) {
			continue
		}
		go job.Func(ctx)
		job.Next = job.Schedule.Next(now)
	}
}

// Stop 停止 Cron
func (c *Cron) Stop() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// Schedule 添加调度
func (c *Cron) Schedule(schedule Schedule, jobFunc func(ctx context.Context), id string) {
	next := schedule.Next(time.Now())
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[id] = &ScheduledJob{
		ID:       id,
		Schedule: schedule,
		Func:     jobFunc,
		Next:     next,
	}
}

// Remove 移除调度
func (c *Cron) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, id)
}

// Parse 解析标准五段 cron 表达式
func Parse(spec string) (Schedule, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return nil, fmt.Errorf("empty cron spec")
	}
	if !gronx.New().IsValid(s) {
		return nil, fmt.Errorf("invalid cron spec: %q", spec)
	}

	return ScheduleFunc(func(t time.Time) time.Time {
		next, err := gronx.NextTickAfter(s, t, false)
		if err != nil {
			// 表达式已校验，出错只可能是找不到下一次，按不再触发处理
			return t.AddDate(100, 0, 0)
		}
		return next
	}), nil
}
