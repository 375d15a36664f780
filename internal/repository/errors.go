package repository

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrDuplicateConversation は同じ参加者ペアの会話が既に存在することを示す。
	ErrDuplicateConversation = errors.New("conversation already exists for participant pair")

	// ErrConversationNotFound は追記先の会話が存在しないことを示す。
	ErrConversationNotFound = errors.New("conversation not found")
)

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

// isUniqueViolation はエラーが一意制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}
