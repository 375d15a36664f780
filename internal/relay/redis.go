// Package relay は複数ノード構成で、他ノードに接続している受信者へ配信フレームを中継する。
// Redis Pub/Subを使用する。中継はベストエフォートで、届かなかったフレームは履歴取得で補われる。
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// DefaultChannel は中継に使うPub/Subチャネル名のデフォルト値。
const DefaultChannel = "chatline:delivery"

// DeliverFunc はこのノードに接続している受信者へペイロードを渡す関数。
// 受信者がこのノードにいなければfalseを返す。
type DeliverFunc func(receiverID string, payload []byte) bool

// envelope はPub/Subで流す中継メッセージ。
type envelope struct {
	Origin     string          `json:"origin"`
	ReceiverID string          `json:"receiverId"`
	Payload    json.RawMessage `json:"payload"`
}

// RedisRelay はRedis Pub/Subによる中継。delivery.Relay を実装する。
type RedisRelay struct {
	client  *redis.Client
	channel string
	nodeID  string
	logger  *slog.Logger
}

// NewRedisRelay はredisURLに接続し、疎通確認をしたRedisRelayを返す。
func NewRedisRelay(redisURL, channel string, logger *slog.Logger) (*RedisRelay, error) {
	if redisURL == "" {
		return nil, errors.New("redis: url is empty")
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		nodeID:  uuid.NewString(),
		logger:  logger,
	}, nil
}

// NodeID はこのノードの識別子を返す。
func (r *RedisRelay) NodeID() string {
	return r.nodeID
}

// Publish はペイロードを全ノードへ中継する。
func (r *RedisRelay) Publish(ctx context.Context, receiverID string, payload []byte) error {
	data, err := encodeEnvelope(r.nodeID, receiverID, payload)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis: publish: %w", err)
	}
	return nil
}

// Run はチャネルを購読し、他ノードからの中継をdeliverへ渡す。ctxがキャンセルされるまでブロックする。
func (r *RedisRelay) Run(ctx context.Context, deliver DeliverFunc) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe: %w", err)
	}

	r.logger.Info("relay subscribed",
		slog.String("channel", r.channel),
		slog.String("node_id", r.nodeID),
	)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg.Payload, deliver)
		}
	}
}

// Close はRedisクライアントを閉じる。
func (r *RedisRelay) Close() error {
	return r.client.Close()
}

// handle は受信した中継メッセージを解釈し、自ノード発以外のものをdeliverへ渡す。
func (r *RedisRelay) handle(raw string, deliver DeliverFunc) bool {
	env, err := decodeEnvelope(raw)
	if err != nil {
		r.logger.Warn("invalid relay envelope", slog.String("error", err.Error()))
		return false
	}
	if env.Origin == r.nodeID {
		return false
	}
	return deliver(env.ReceiverID, env.Payload)
}

func encodeEnvelope(origin, receiverID string, payload []byte) ([]byte, error) {
	data, err := json.Marshal(envelope{
		Origin:     origin,
		ReceiverID: receiverID,
		Payload:    payload,
	})
	if err != nil {
		return nil, fmt.Errorf("relay: encode envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(raw string) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("relay: decode envelope: %w", err)
	}
	if env.ReceiverID == "" || len(env.Payload) == 0 {
		return nil, errors.New("relay: envelope missing receiver or payload")
	}
	return &env, nil
}
