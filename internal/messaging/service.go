package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/hitoshi/chatline/internal/model"
	"github.com/hitoshi/chatline/internal/repository"
)

// デフォルト値
const (
	DefaultMaxLength    = 5000
	DefaultStoreTimeout = 5 * time.Second
)

var validate = validator.New()

// Notifier はコミット後にメッセージの配信を要求するインターフェース。
// 実装はブロックしてはならない。delivery.Dispatcher が実装する。
type Notifier interface {
	Notify(receiverID string, msg *model.Message) bool
}

// MetricsRecorder はメッセージングのメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordMessageSent()
	RecordSendFailure(code string)
	ObserveStoreLatency(operation string, d time.Duration)
}

// Config はServiceの設定。
type Config struct {
	MaxLength    int           // 本文の上限文字数（rune数）
	StoreTimeout time.Duration // ストア操作1回あたりの上限時間
}

// participants は送信者と受信者のIDの形式を検証するための入力。
type participants struct {
	SenderID   string `validate:"required,uuid"`
	ReceiverID string `validate:"required,uuid"`
}

// Service はメッセージングのサービス層。
// 送信（検証、会話解決、永続化、配信要求）と履歴取得を提供する。
type Service struct {
	userRepo repository.UserRepository
	msgRepo  repository.MessageRepository
	resolver *Resolver
	notifier Notifier
	metrics  MetricsRecorder
	logger   *slog.Logger
	config   Config
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// notifier, metricsはnilでもよい。
func NewService(
	userRepo repository.UserRepository,
	convRepo repository.ConversationRepository,
	msgRepo repository.MessageRepository,
	notifier Notifier,
	metrics MetricsRecorder,
	logger *slog.Logger,
	config Config,
) *Service {
	if config.MaxLength <= 0 {
		config.MaxLength = DefaultMaxLength
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = DefaultStoreTimeout
	}
	return &Service{
		userRepo: userRepo,
		msgRepo:  msgRepo,
		resolver: NewResolver(convRepo),
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		config:   config,
		now:      time.Now,
	}
}

// Send はsenderからreceiverへメッセージを送信する。
// 検証は永続化より前に全て行う。永続化に成功した場合のみ作成したメッセージを返す。
// 受信者がオフラインでも送信は成功する。
func (s *Service) Send(ctx context.Context, senderID, receiverID, body string) (*model.Message, error) {
	msg, err := s.send(ctx, senderID, receiverID, body)
	if err != nil {
		s.recordFailure(err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordMessageSent()
	}
	s.logger.Info("message sent",
		slog.String("message_id", msg.ID),
		slog.String("conversation_id", msg.ConversationID),
		slog.String("sender_id", senderID),
		slog.String("receiver_id", receiverID),
	)
	return msg, nil
}

func (s *Service) send(ctx context.Context, senderID, receiverID, body string) (*model.Message, error) {
	cleaned, err := s.validateBody(body)
	if err != nil {
		return nil, err
	}
	if err := validateParticipants(senderID, receiverID); err != nil {
		return nil, err
	}

	receiver, err := s.findReceiver(ctx, receiverID)
	if err != nil {
		return nil, err
	}
	if receiver == nil {
		return nil, model.NewReceiverNotFoundError(receiverID)
	}

	conv, err := s.resolve(ctx, senderID, receiverID)
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Body:           cleaned,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.append(ctx, msg); err != nil {
		return nil, err
	}

	// コミット後の配信要求。失敗しても送信は成功扱い
	if s.notifier != nil && !s.notifier.Notify(receiverID, msg) {
		s.logger.Warn("delivery not queued",
			slog.String("message_id", msg.ID),
			slog.String("receiver_id", receiverID),
		)
	}

	return msg, nil
}

// GetHistory は2者間のメッセージを追記順に返す。
// 会話が存在しない場合は空のスライスを返す。
func (s *Service) GetHistory(ctx context.Context, userA, userB string) ([]*model.Message, error) {
	if err := validateParticipants(userA, userB); err != nil {
		return nil, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	start := time.Now()
	conv, err := s.resolver.Find(storeCtx, userA, userB)
	s.observe("find_conversation", start)
	if err != nil {
		return nil, s.storeError(storeCtx, "history", err)
	}
	if conv == nil {
		return []*model.Message{}, nil
	}

	start = time.Now()
	messages, err := s.msgRepo.ListByConversation(storeCtx, conv.ID)
	s.observe("list_messages", start)
	if err != nil {
		return nil, s.storeError(storeCtx, "history", err)
	}
	if messages == nil {
		messages = []*model.Message{}
	}
	return messages, nil
}

// validateBody は本文の前後の空白を除去し、空と上限超過を検証する。
// 本文はプレーンテキストとしてそのまま保存する。HTMLとしての解釈やエスケープは行わない。
func (s *Service) validateBody(body string) (string, error) {
	cleaned := strings.TrimSpace(body)
	if cleaned == "" {
		return "", model.NewEmptyMessageBodyError()
	}
	if utf8.RuneCountInString(cleaned) > s.config.MaxLength {
		return "", model.NewMessageTooLongError(s.config.MaxLength)
	}
	return cleaned, nil
}

// validateParticipants はIDの形式と自分宛てでないことを検証する。
func validateParticipants(senderID, receiverID string) error {
	err := validate.Struct(participants{SenderID: senderID, ReceiverID: receiverID})
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			if verrs[0].Field() == "SenderID" {
				return model.NewInvalidUserIDError(senderID)
			}
			return model.NewInvalidUserIDError(receiverID)
		}
		return model.NewInvalidUserIDError(receiverID)
	}
	if senderID == receiverID {
		return model.NewSelfMessageError()
	}
	return nil
}

func (s *Service) findReceiver(ctx context.Context, receiverID string) (*model.User, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	start := time.Now()
	user, err := s.userRepo.FindByID(storeCtx, receiverID)
	s.observe("find_receiver", start)
	if err != nil {
		return nil, s.storeError(storeCtx, "find_receiver", err)
	}
	return user, nil
}

func (s *Service) resolve(ctx context.Context, senderID, receiverID string) (*model.Conversation, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	start := time.Now()
	conv, err := s.resolver.Resolve(storeCtx, senderID, receiverID)
	s.observe("resolve_conversation", start)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		return nil, s.storeError(storeCtx, "resolve_conversation", err)
	}
	return conv, nil
}

func (s *Service) append(ctx context.Context, msg *model.Message) error {
	storeCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	start := time.Now()
	err := s.msgRepo.CreateInConversation(storeCtx, msg)
	s.observe("append_message", start)
	if err != nil {
		return s.storeError(storeCtx, "append_message", err)
	}
	return nil
}

// storeError はストア操作のエラーをタイムアウトとそれ以外に分類する。
// 詳細はログにのみ記録する。
func (s *Service) storeError(storeCtx context.Context, operation string, err error) error {
	timedOut := storeCtx.Err() != nil ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)

	s.logger.Error("store operation failed",
		slog.String("operation", operation),
		slog.Bool("timeout", timedOut),
		slog.String("error", err.Error()),
	)

	if timedOut {
		return model.NewStoreTimeoutError()
	}
	return model.NewPersistenceFailedError()
}

func (s *Service) observe(operation string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveStoreLatency(operation, time.Since(start))
	}
}

func (s *Service) recordFailure(err error) {
	if s.metrics == nil {
		return
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		s.metrics.RecordSendFailure(apiErr.Code)
		return
	}
	s.metrics.RecordSendFailure(model.ErrCodeInternal)
}

