// Package scheduler 按 cron 表达式定期为实体提交智能体任务。
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/task"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/pkg/logger"
)

// Submitter 接收定时触发的任务，通常由 task.Service 实现。
type Submitter interface {
	Submit(ctx context.Context, req task.Request) (*task.Task, error)
}

// Job 描述一个定时任务。Spec 可以是五段式 cron 表达式、@every 之类的描述符，
// 也可以是 Go 时长字符串。
type Job struct {
	Name     string
	Spec     string
	EntityID string
	ChatID   string
	Prompt   string
}

// Scheduler 管理 cron 条目，每次触发都会提交一个任务。
type Scheduler struct {
	submitter     Submitter
	cron          *cron.Cron
	submitTimeout time.Duration
	now           func() time.Time
	logger        *slog.Logger

	mu      sync.Mutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// Option 自定义 Scheduler。
type Option func(*Scheduler)

// WithSubmitTimeout 限制单次提交的耗时。
func WithSubmitTimeout(timeout time.Duration) Option {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.submitTimeout = timeout
		}
	}
}

// WithClock 替换时间来源，用于生成任务 ID。
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New 创建 Scheduler，需要调用 Start 才会开始触发。
func New(submitter Submitter, opts ...Option) (*Scheduler, error) {
	if submitter == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "定时任务缺少任务提交者")
	}
	s := &Scheduler{
		submitter:     submitter,
		cron:          cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		submitTimeout: 10 * time.Second,
		now:           time.Now,
		logger:        logger.Named("scheduler"),
		jobs:          make(map[string]Job),
		entries:       make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Add 注册一个定时任务，名称重复或表达式非法时返回错误。
func (s *Scheduler) Add(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "定时任务名称不能为空")
	}
	if strings.TrimSpace(job.EntityID) == "" || strings.TrimSpace(job.Prompt) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("定时任务 %s 缺少 entity_id 或 prompt", job.Name))
	}
	schedule, err := ParseSchedule(job.Spec)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("定时任务 %s 的表达式无效", job.Name))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("定时任务 %s 已存在", job.Name))
	}
	name := job.Name
	s.jobs[name] = job
	s.entries[name] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			return
		}
		if _, err := s.Trigger(ctx, name); err != nil {
			s.logger.Warn("定时任务提交失败", slog.String("job", name), slog.Any("error", err))
		}
	}))
	s.logger.Info("定时任务已注册", slog.String("job", name), slog.String("spec", job.Spec))
	return nil
}

// Remove 删除定时任务，未知名称返回 false。
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	delete(s.jobs, name)
	return true
}

// Trigger 立即为指定任务提交一次运行。任务 ID 由名称与触发秒数组成，同一秒内
// 的重复触发会落到同一个任务上。
func (s *Scheduler) Trigger(ctx context.Context, name string) (*task.Task, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("定时任务 %s 不存在", name))
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	defer cancel()
	t, err := s.submitter.Submit(submitCtx, task.Request{
		ID:       fmt.Sprintf("%s-%d", job.Name, s.now().Unix()),
		EntityID: job.EntityID,
		ChatID:   job.ChatID,
		Prompt:   job.Prompt,
		Source:   task.SourceScheduler,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("定时任务已提交", slog.String("job", name), slog.String("task_id", t.ID))
	return t, nil
}

// Jobs 返回已注册任务的名称与下次触发时间。
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for name, id := range s.entries {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

// Start 开始按计划触发，重复调用无副作用。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop 停止触发并等待正在执行的提交结束。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.ctx = nil
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// ParseSchedule 优先按 cron 表达式解析，失败时按时长解析。
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if sched, err := parser.Parse(spec); err == nil {
		return sched, nil
	}
	dur, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", spec)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", spec)
	}
	return cron.Every(dur), nil
}
