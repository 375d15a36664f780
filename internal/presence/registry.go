// Package presence はプロセス内のオンライン状態（ユーザーIDと接続ハンドルの対応）を管理する。
// 永続化は行わず、プロセス再起動で失われる。再接続時に再登録される。
package presence

import (
	"sort"
	"sync"
)

// Handle はユーザーのライブ接続を表す。
// realtime.Connection が実装する。
type Handle interface {
	// Send はペイロードを接続に非同期で書き込む。ブロックしない。
	Send(payload []byte) error
	// Close は接続を閉じる。複数回呼んでも安全であること。
	Close(code int, reason string)
}

// 接続終了時のクローズコード。
const (
	CloseSessionReplaced = 4001
	CloseServerShutdown  = 1001
)

// Registry はユーザーIDから現在の接続ハンドルへの対応を保持する。
// ユーザーごとに高々1つのハンドルを持ち、後から接続したものが優先される。
type Registry struct {
	mu      sync.RWMutex
	handles map[string]Handle
	version uint64 // オンライン集合の変更ごとに増える。muで保護する

	notifyMu sync.Mutex
	notified uint64 // 最後にOnChangeへ渡したversion。notifyMuで保護する

	// OnChange はConnect/Disconnectでオンライン集合が変化した後に呼ばれる。
	// 渡される集合は変更時点のスナップショットで、呼び出しは直列化される。
	// 古いスナップショットが新しいものより後に渡されることはない。
	// muの外で呼ばれる。接続の受付を始める前に設定すること。
	OnChange func(online []string)
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]Handle),
	}
}

// Connect はユーザーのハンドルを登録し、置き換えられた以前のハンドルを返す。
// 以前のハンドルがない場合はnilを返す。呼び出し側が以前のハンドルを閉じる。
func (r *Registry) Connect(userID string, h Handle) Handle {
	r.mu.Lock()
	previous := r.handles[userID]
	r.handles[userID] = h
	version, online := r.changedLocked()
	r.mu.Unlock()

	r.notify(version, online)
	return previous
}

// Disconnect は登録中のハンドルがhと一致する場合のみエントリを削除する。
// 既に新しい接続で置き換えられている場合は何もせずfalseを返す。
func (r *Registry) Disconnect(userID string, h Handle) bool {
	r.mu.Lock()
	current, ok := r.handles[userID]
	if !ok || current != h {
		r.mu.Unlock()
		return false
	}
	delete(r.handles, userID)
	version, online := r.changedLocked()
	r.mu.Unlock()

	r.notify(version, online)
	return true
}

// Lookup はユーザーの現在のハンドルを返す。
func (r *Registry) Lookup(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[userID]
	return h, ok
}

// Online は接続中のユーザーIDを昇順で返す。
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked()
}

func (r *Registry) onlineLocked() []string {
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// changedLocked はversionを進め、変更後のオンライン集合を返す。muの書き込みロック中に呼ぶ。
func (r *Registry) changedLocked() (uint64, []string) {
	r.version++
	if r.OnChange == nil {
		return r.version, nil
	}
	return r.version, r.onlineLocked()
}

// Len は接続中のユーザー数を返す。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Broadcast は接続中の全ハンドルにペイロードを送る。送信できた数を返す。
func (r *Registry) Broadcast(payload []byte) int {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	sent := 0
	for _, h := range handles {
		if err := h.Send(payload); err == nil {
			sent++
		}
	}
	return sent
}

// Drain は全エントリを削除し、各ハンドルを閉じる。シャットダウン時に使用する。
// OnChangeは呼ばない。
func (r *Registry) Drain(code int, reason string) {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.handles = make(map[string]Handle)
	r.mu.Unlock()

	for _, h := range handles {
		h.Close(code, reason)
	}
}

func (r *Registry) notify(version uint64, online []string) {
	if r.OnChange == nil {
		return
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	if version <= r.notified {
		return
	}
	r.notified = version
	r.OnChange(online)
}
