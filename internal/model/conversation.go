package model

import "time"

// Conversation は2者間のメッセージをまとめる会話を表す。
// 参加者の非順序ペアごとに高々1件しか存在しない。
// ParticipantA < ParticipantB となるよう正規化して保持する。
type Conversation struct {
	ID           string
	PairKey      string
	ParticipantA string
	ParticipantB string
	MessageCount int64 // 追記済みメッセージ数。次の追記位置でもある
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PairKey は2者のユーザーIDから会話を一意に識別する正規キーを返す。
// 引数の順序に依存しない。
func PairKey(a, b string) string {
	lo, hi := SortPair(a, b)
	return lo + ":" + hi
}

// SortPair は2つのユーザーIDを辞書順に並べて返す。
func SortPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// HasParticipant は指定ユーザーが会話の参加者かどうかを返す。
func (c *Conversation) HasParticipant(userID string) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}
