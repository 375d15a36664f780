package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/chatline/internal/model"
)

// Pusher は1件のメッセージを配信するインターフェース。Channel が実装する。
type Pusher interface {
	Push(ctx context.Context, receiverID string, msg *model.Message) Result
}

// DispatcherConfig はDispatcherの設定。
type DispatcherConfig struct {
	QueueSize   int           // 配信待ちキューの容量
	Workers     int           // 配信ワーカー数
	PushTimeout time.Duration // 1件の配信にかける上限時間
}

// DefaultDispatcherConfig はデフォルトの設定を返す。
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:   1024,
		Workers:     4,
		PushTimeout: 5 * time.Second,
	}
}

type event struct {
	receiverID string
	message    *model.Message
}

// Dispatcher はコミット後フックとして配信要求を受け付け、ワーカーで非同期に配信する。
// Notifyはブロックせず、キューが満杯の場合は破棄する。
type Dispatcher struct {
	pusher  Pusher
	config  DispatcherConfig
	metrics MetricsRecorder
	logger  *slog.Logger

	mu      sync.RWMutex
	queue   chan event
	stopped bool
	wg      sync.WaitGroup
}

// NewDispatcher はDispatcherを生成する。ワーカーはStartで起動する。
func NewDispatcher(pusher Pusher, config DispatcherConfig, metrics MetricsRecorder, logger *slog.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.PushTimeout <= 0 {
		config.PushTimeout = def.PushTimeout
	}
	return &Dispatcher{
		pusher:  pusher,
		config:  config,
		metrics: metrics,
		logger:  logger,
		queue:   make(chan event, config.QueueSize),
	}
}

// Start は配信ワーカーを起動する。
// ctxがキャンセルされても、Stopが呼ばれるまでキューに残った配信は処理する。
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Notify は配信要求をキューに積む。ブロックしない。
// キューが満杯、または停止後の場合はfalseを返す。
func (d *Dispatcher) Notify(receiverID string, msg *model.Message) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return false
	}

	select {
	case d.queue <- event{receiverID: receiverID, message: msg}:
		return true
	default:
		d.logger.Warn("delivery queue full, dropping event",
			slog.String("receiver_id", receiverID),
			slog.String("message_id", msg.ID),
		)
		if d.metrics != nil {
			d.metrics.RecordDelivery(string(ResultDropped))
		}
		return false
	}
}

// Stop は新規の受け付けを止め、キューに残った配信を処理してからワーカーの終了を待つ。
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

// Pending はキューに残っている配信要求の数を返す。
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for ev := range d.queue {
		d.push(ctx, ev)
	}
}

func (d *Dispatcher) push(ctx context.Context, ev event) {
	// シャットダウン中でも配信を試みるため、親のキャンセルは引き継がない
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.PushTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("panic recovered in delivery worker",
				slog.Any("panic", rec),
				slog.String("receiver_id", ev.receiverID),
			)
		}
	}()

	result := d.pusher.Push(pushCtx, ev.receiverID, ev.message)
	d.logger.Debug("message delivery attempted",
		slog.String("receiver_id", ev.receiverID),
		slog.String("message_id", ev.message.ID),
		slog.String("result", string(result)),
	)
}
