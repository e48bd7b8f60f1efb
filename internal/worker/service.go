package worker

import (
	"context"
	"errors"
	"time"

	"github.com/youjin-ai/payflow/internal/config"
	"github.com/youjin-ai/payflow/internal/logger"
	"github.com/youjin-ai/payflow/internal/queue"

	"github.com/hibiken/asynq"
)

const (
	// 终态会话在内存里最少保留这么久，给前端留出查询最终状态的窗口
	terminalSessionLinger = 10 * time.Minute
	// 终态会话记录的落库保留时长
	sessionRecordRetention = 7 * 24 * time.Hour
)

// Service 异步队列服务
type Service struct {
	name     string
	server   *asynq.Server
	mux      *asynq.ServeMux
	consumer *Consumer
	sweep    time.Duration
}

// NewService 创建异步队列服务
func NewService(cfg *config.Config, consumer *Consumer) (*Service, error) {
	if cfg == nil || !cfg.Queue.Enabled {
		return nil, errors.New("queue disabled")
	}
	if consumer == nil {
		return nil, errors.New("consumer is nil")
	}
	opt, serverCfg := queue.BuildServerConfig(&cfg.Queue)
	server := asynq.NewServer(opt, serverCfg)
	mux := asynq.NewServeMux()
	consumer.Register(mux)
	sweep := time.Duration(cfg.Payment.SessionSweepMinutes) * time.Minute
	if sweep <= 0 {
		sweep = time.Minute
	}
	return &Service{
		name:     "worker",
		server:   server,
		mux:      mux,
		consumer: consumer,
		sweep:    sweep,
	}, nil
}

// Name 服务名称
func (s *Service) Name() string {
	if s == nil || s.name == "" {
		return "worker"
	}
	return s.name
}

// Start 启动服务
func (s *Service) Start(ctx context.Context) error {
	if s == nil || s.server == nil || s.mux == nil {
		return errors.New("worker not initialized")
	}
	if s.consumer != nil {
		go s.runSessionSweepLoop(ctx)
	}
	return s.server.Run(s.mux)
}

// Stop 停止服务
func (s *Service) Stop(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}
	_ = ctx
	s.server.Shutdown()
	return nil
}

// runSessionSweepLoop 周期清理终态会话：内存里的会话对象与过期的落库记录
func (s *Service) runSessionSweepLoop(ctx context.Context) {
	if s == nil || s.consumer == nil {
		return
	}
	runOnce := func() {
		if s.consumer.SessionManager != nil {
			removed := s.consumer.SessionManager.SweepTerminal(terminalSessionLinger)
			if removed > 0 {
				logger.Debugw("worker_session_sweep_removed", "count", removed)
			}
		}
		if s.consumer.SessionRecordRepo != nil {
			cutoff := time.Now().Add(-sessionRecordRetention)
			deleted, err := s.consumer.SessionRecordRepo.DeleteTerminalBefore(cutoff)
			if err != nil {
				logger.Warnw("worker_session_record_cleanup_failed", "error", err)
			} else if deleted > 0 {
				logger.Debugw("worker_session_record_cleanup_done", "count", deleted)
			}
		}
	}
	runOnce()

	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}
