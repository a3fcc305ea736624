// Package cleanup は期限切れOAuth stateの定期削除ジョブを提供する。
// コールバックまで到達しなかったログイン試行のstateは消費されずに残るため、
// 有効期限を過ぎたものをcronスケジュールで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/designboard/internal/metrics"
)

// ExpiredStateDeleter は期限切れstateの削除に必要なインターフェース。
// repository.OAuthStateRepositoryの部分集合として定義する。
type ExpiredStateDeleter interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// StateCleanupJob は期限切れstateの削除ジョブ。
// 冪等: 削除対象がない場合でもエラーにならない。
type StateCleanupJob struct {
	states   ExpiredStateDeleter
	recorder metrics.CleanupRecorder
	logger   *slog.Logger
	now      func() time.Time
	timeout  time.Duration
}

// NewStateCleanupJob は新しいStateCleanupJobを生成する。recorderがnilの場合は記録しない。
func NewStateCleanupJob(states ExpiredStateDeleter, recorder metrics.CleanupRecorder, logger *slog.Logger) *StateCleanupJob {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StateCleanupJob{
		states:   states,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		timeout:  30 * time.Second,
	}
}

// Run は現在時刻で期限切れのstateを削除する。
func (j *StateCleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	deleted, err := j.states.DeleteExpired(ctx, j.now())
	if err != nil {
		j.logger.Error("期限切れstateの削除に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("期限切れstateの削除に失敗: %w", err)
	}

	j.recorder.RecordStatesDeleted(deleted)
	j.logger.Info("期限切れstateの削除が完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Scheduler はStateCleanupJobをcronスケジュールで実行する。
type Scheduler struct {
	cron *cron.Cron
	job  *StateCleanupJob
}

// NewScheduler はスケジュール式（例: "@every 10m"、"*/10 * * * *"）でジョブを登録する。
// 前回の実行が終わっていない場合は次の実行をスキップする。
func NewScheduler(job *StateCleanupJob, schedule string) (*Scheduler, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if _, err := c.AddFunc(schedule, func() {
		// エラーはRun内で記録済み
		_ = job.Run(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}

	return &Scheduler{cron: c, job: job}, nil
}

// Start はスケジューラを開始する。起動直後にも1回実行する。
func (s *Scheduler) Start(ctx context.Context) {
	_ = s.job.Run(ctx)
	s.cron.Start()
}

// Stop はスケジューラを停止し、実行中のジョブの完了を待つ。
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
