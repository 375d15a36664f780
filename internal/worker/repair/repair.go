// Package repair は会話の整合性修復ジョブを提供する。
// メッセージの保存と会話への追記の間でプロセスが落ちた場合に残る
// 未追記メッセージを会話の末尾に追記し、message_countを実際の追記数に合わせる。
package repair

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/chatline/internal/repository"
)

// DefaultBatchSize は1回の実行で処理する未追記メッセージの上限。
const DefaultBatchSize = 500

// MetricsRecorder は修復件数を記録するインターフェース。
type MetricsRecorder interface {
	RecordRepair(appended, resynced int64)
}

// Result は1回の実行結果。
type Result struct {
	Appended int64 // 会話に追記したメッセージ数
	Resynced int64 // message_countを補正した会話数
}

// Job は会話の整合性修復ジョブ。冪等で、修復対象がなくてもエラーにならない。
type Job struct {
	repo      repository.RepairRepository
	metrics   MetricsRecorder
	logger    *slog.Logger
	BatchSize int
}

// NewJob は新しいJobを生成する。metricsはnilでもよい。
func NewJob(repo repository.RepairRepository, metrics MetricsRecorder, logger *slog.Logger) *Job {
	return &Job{
		repo:      repo,
		metrics:   metrics,
		logger:    logger,
		BatchSize: DefaultBatchSize,
	}
}

// Run は未追記メッセージをcreated_at昇順で会話に追記し、その後message_countを補正する。
// 個々のメッセージの追記に失敗しても残りの処理は続け、最初のエラーを返す。
func (j *Job) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	var result Result

	batch := j.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	orphans, err := j.repo.ListOrphanMessages(ctx, batch)
	if err != nil {
		j.logger.Error("未追記メッセージの取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return result, fmt.Errorf("failed to list orphan messages: %w", err)
	}

	var firstErr error
	for _, msg := range orphans {
		appended, err := j.repo.AppendOrphan(ctx, msg)
		if err != nil {
			j.logger.Warn("未追記メッセージの追記に失敗しました",
				slog.String("message_id", msg.ID),
				slog.String("conversation_id", msg.ConversationID),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to append orphan message %s: %w", msg.ID, err)
			}
			continue
		}
		if appended {
			result.Appended++
		}
	}

	resynced, err := j.repo.ResyncMessageCounts(ctx)
	if err != nil {
		j.logger.Error("message_countの補正に失敗しました",
			slog.String("error", err.Error()),
		)
		if firstErr == nil {
			firstErr = fmt.Errorf("failed to resync message counts: %w", err)
		}
	}
	result.Resynced = resynced

	if j.metrics != nil {
		j.metrics.RecordRepair(result.Appended, result.Resynced)
	}

	j.logger.Info("会話修復ジョブが完了しました",
		slog.Int("orphans_found", len(orphans)),
		slog.Int64("appended", result.Appended),
		slog.Int64("resynced", result.Resynced),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return result, firstErr
}

// Start はintervalごとにRunを実行する。起動直後に1回実行し、ctxがキャンセルされるまで続ける。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("会話修復ジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Int("batch_size", j.BatchSize),
	)

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("会話修復ジョブを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *Job) runLogged(ctx context.Context) {
	if _, err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("会話修復ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
