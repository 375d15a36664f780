// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, message, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeEmptyMessageBody   = "EMPTY_MESSAGE_BODY"
	ErrCodeMessageTooLong     = "MESSAGE_TOO_LONG"
	ErrCodeInvalidUserID      = "INVALID_USER_ID"
	ErrCodeSelfMessage        = "SELF_MESSAGE"
	ErrCodeInvalidRequestBody = "INVALID_REQUEST_BODY"
	ErrCodeReceiverNotFound   = "RECEIVER_NOT_FOUND"
	ErrCodeStoreTimeout       = "STORE_TIMEOUT"
	ErrCodePersistenceFailed  = "PERSISTENCE_FAILED"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeCSRFInvalid        = "CSRF_TOKEN_INVALID"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewEmptyMessageBodyError は本文が空のメッセージに対するエラーを生成する。
func NewEmptyMessageBodyError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyMessageBody,
		Message:  "メッセージ本文が空です。",
		Category: "validation",
		Action:   "送信する本文を入力してください。",
	}
}

// NewMessageTooLongError は本文が上限文字数を超えた場合のエラーを生成する。
func NewMessageTooLongError(limit int) *APIError {
	return &APIError{
		Code:     ErrCodeMessageTooLong,
		Message:  fmt.Sprintf("メッセージ本文が長すぎます（上限%d文字）。", limit),
		Category: "validation",
		Action:   "本文を短くしてから再度送信してください。",
	}
}

// NewInvalidUserIDError は不正な形式のユーザーIDに対するエラーを生成する。
func NewInvalidUserIDError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidUserID,
		Message:  fmt.Sprintf("無効なユーザーIDです: %s", userID),
		Category: "validation",
		Action:   "宛先ユーザーのIDを確認してください。",
	}
}

// NewSelfMessageError は自分自身宛てのメッセージに対するエラーを生成する。
func NewSelfMessageError() *APIError {
	return &APIError{
		Code:     ErrCodeSelfMessage,
		Message:  "自分自身にメッセージを送ることはできません。",
		Category: "validation",
		Action:   "別のユーザーを宛先に指定してください。",
	}
}

// NewInvalidRequestBodyError はリクエストボディの解析に失敗した場合のエラーを生成する。
func NewInvalidRequestBodyError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequestBody,
		Message:  "リクエストボディが不正です。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストを送信してください。",
	}
}

// NewReceiverNotFoundError は宛先ユーザーが存在しない場合のエラーを生成する。
func NewReceiverNotFoundError(receiverID string) *APIError {
	return &APIError{
		Code:     ErrCodeReceiverNotFound,
		Message:  fmt.Sprintf("宛先ユーザーが見つかりません: %s", receiverID),
		Category: "message",
		Action:   "宛先ユーザーのIDを確認してください。",
	}
}

// NewStoreTimeoutError はストア操作がタイムアウトした場合のエラーを生成する。
// 一時的な障害であり、データは失われていない。
func NewStoreTimeoutError() *APIError {
	return &APIError{
		Code:     ErrCodeStoreTimeout,
		Message:  "データストアの応答がタイムアウトしました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewPersistenceFailedError は永続化に失敗した場合のエラーを生成する。
func NewPersistenceFailedError() *APIError {
	return &APIError{
		Code:     ErrCodePersistenceFailed,
		Message:  "メッセージの保存に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUnauthorizedError は未認証リクエストに対するエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewCSRFInvalidError はCSRFトークンの検証に失敗した場合のエラーを生成する。
func NewCSRFInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限を超過した場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
