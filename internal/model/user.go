package model

import "time"

// User はメッセージの送受信者を表す。
// アカウント管理サブシステムが所有し、本サービスからは参照のみ行う。
type User struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Session はユーザーのログインセッションを表す。
// 認証サブシステムが発行し、本サービスはCookieから検証のみ行う。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
