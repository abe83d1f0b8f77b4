package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/smallnest/wegram/config"
	"github.com/smallnest/wegram/cron"
	"github.com/smallnest/wegram/internal/logger"
	"go.uber.org/zap"
)

// maintenance 维护任务，cron 表达式可热加载
type maintenance struct {
	sched *cron.Scheduler
	jobs  []cron.Job
}

type maintenanceTasks struct {
	trim      func(ctx context.Context) error
	heartbeat func(ctx context.Context) error
}

func newMaintenance(cfg config.MaintenanceConfig, tasks maintenanceTasks) (*maintenance, error) {
	m := &maintenance{
		sched: cron.NewScheduler(),
		jobs: []cron.Job{
			{ID: "trim", Name: "Trim forward records and links", Task: tasks.trim, Timeout: time.Minute},
			{ID: "heartbeat", Name: "WeChat login heartbeat", Task: tasks.heartbeat, Timeout: 30 * time.Second},
		},
	}
	if err := m.apply(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

func schedules(cfg config.MaintenanceConfig) map[string]string {
	return map[string]string{
		"trim":      cfg.TrimSchedule,
		"heartbeat": cfg.HeartbeatSchedule,
	}
}

// apply 让调度器与配置一致：空表达式停用，表达式变化则重建任务
func (m *maintenance) apply(cfg config.MaintenanceConfig) error {
	exprs := schedules(cfg)
	for id, expr := range exprs {
		if expr == "" {
			continue
		}
		if _, err := cron.Parse(expr); err != nil {
			return fmt.Errorf("maintenance job %s: %w", id, err)
		}
	}
	for _, tmpl := range m.jobs {
		expr := exprs[tmpl.ID]
		cur, ok := m.sched.GetJob(tmpl.ID)
		switch {
		case ok && expr == "":
			if err := m.sched.DisableJob(tmpl.ID); err != nil {
				return err
			}
			continue
		case ok && expr == cur.Schedule:
			if err := m.sched.EnableJob(tmpl.ID); err != nil {
				return err
			}
			continue
		case ok:
			if err := m.sched.RemoveJob(tmpl.ID); err != nil {
				return err
			}
		}

		job := tmpl
		job.Schedule = expr
		job.Enabled = expr != ""
		if err := m.sched.AddJob(&job); err != nil {
			return fmt.Errorf("maintenance job %s: %w", job.ID, err)
		}
	}
	return nil
}

// kickoff 启动时立即跑一次心跳，不必等到第一个调度点才知道登录状态
func (m *maintenance) kickoff(ctx context.Context) {
	if job, ok := m.sched.GetJob("heartbeat"); !ok || !job.Enabled {
		return
	}
	go func() {
		if err := m.sched.RunNow(ctx, "heartbeat"); err != nil && ctx.Err() == nil {
			logger.Warn("Initial heartbeat failed", zap.Error(err))
		}
	}()
}
