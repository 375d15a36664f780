// Package delivery は永続化済みメッセージを受信者のライブ接続へプッシュする。
// 配信はベストエフォートであり、失敗や受信者のオフラインは送信結果に影響しない。
package delivery

import (
	"context"
	"log/slog"

	"github.com/hitoshi/chatline/internal/model"
	"github.com/hitoshi/chatline/internal/presence"
)

// Result は1回の配信試行の結果を表す。
type Result string

const (
	// ResultDelivered はこのプロセスの接続へ送信キューに積めたことを示す。
	ResultDelivered Result = "delivered"
	// ResultRelayed は他ノードへ中継したことを示す。
	ResultRelayed Result = "relayed"
	// ResultOffline は受信者が接続していないため何もしなかったことを示す。
	ResultOffline Result = "offline"
	// ResultFailed は送信または中継に失敗したことを示す。
	ResultFailed Result = "failed"
	// ResultDropped はディスパッチャのキューが満杯で破棄したことを示す。
	ResultDropped Result = "dropped"
)

// Locator は受信者の接続ハンドルを検索するインターフェース。
// presence.Registry が実装する。
type Locator interface {
	Lookup(userID string) (presence.Handle, bool)
}

// Relay は他ノードに接続している受信者へペイロードを中継するインターフェース。
type Relay interface {
	Publish(ctx context.Context, receiverID string, payload []byte) error
}

// MetricsRecorder は配信結果を記録するインターフェース。
type MetricsRecorder interface {
	RecordDelivery(result string)
}

// Channel はPresence Registryを参照して受信者へメッセージをプッシュする。
type Channel struct {
	locator Locator
	relay   Relay
	metrics MetricsRecorder
	logger  *slog.Logger
}

// NewChannel はChannelを生成する。relayとmetricsはnilでもよい。
func NewChannel(locator Locator, relay Relay, metrics MetricsRecorder, logger *slog.Logger) *Channel {
	return &Channel{
		locator: locator,
		relay:   relay,
		metrics: metrics,
		logger:  logger,
	}
}

// Push は受信者が接続していればメッセージを送る。
// 応答は待たず、再送もしない。受信者が不在で中継もない場合は何もしない。
func (c *Channel) Push(ctx context.Context, receiverID string, msg *model.Message) Result {
	payload, err := EncodeNewMessage(msg)
	if err != nil {
		c.logger.Error("failed to encode message frame",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return c.record(ResultFailed)
	}

	if c.PushLocal(receiverID, payload) {
		return c.record(ResultDelivered)
	}

	if _, ok := c.locator.Lookup(receiverID); ok {
		// ハンドルはあるが送信できなかった
		c.logger.Warn("live push failed",
			slog.String("receiver_id", receiverID),
			slog.String("message_id", msg.ID),
		)
		return c.record(ResultFailed)
	}

	if c.relay == nil {
		return c.record(ResultOffline)
	}

	if err := c.relay.Publish(ctx, receiverID, payload); err != nil {
		c.logger.Warn("relay publish failed",
			slog.String("receiver_id", receiverID),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return c.record(ResultFailed)
	}
	return c.record(ResultRelayed)
}

// PushLocal はこのプロセスに接続している受信者へエンコード済みペイロードを送る。
// 中継経由で届いたペイロードの配信にも使う。
func (c *Channel) PushLocal(receiverID string, payload []byte) bool {
	h, ok := c.locator.Lookup(receiverID)
	if !ok {
		return false
	}
	if err := h.Send(payload); err != nil {
		c.logger.Debug("handle send failed",
			slog.String("receiver_id", receiverID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (c *Channel) record(result Result) Result {
	if c.metrics != nil {
		c.metrics.RecordDelivery(string(result))
	}
	return result
}
