// Package cache はフォーラムデータの2層TTLキャッシュを提供する。
// リスト層（フィード1ページ分）とディテール層（投稿ID単位の詳細）を
// 単一のファサードでまとめ、期限切れエントリを不在と同一に扱う。
package cache

import (
	"sync"
	"time"
)

// TTLStore は固定TTL付きのキー・バリューストア。
// 期限切れ判定は読み取り時に遅延実行され（バックグラウンドスイープなし）、
// 期限切れエントリは判定の副作用として削除される。
// サイズ上限は持たない。保持対象が「フィード1ページ」と「閲覧中の投稿」に
// 実質的に限られるため、LRU等の容量制御は対象外。
type TTLStore[V any] struct {
	mu      sync.Mutex
	entries map[string]envelope[V]
	ttl     time.Duration
	now     func() time.Time // テスト時に差し替え可能
}

// envelope はキャッシュ値を保存時刻とともに包む。
// 有効性は now - storedAt < TTL で判定される。
type envelope[V any] struct {
	value    V
	storedAt time.Time
}

// NewTTLStore は指定TTLのTTLStoreを生成する。
func NewTTLStore[V any](ttl time.Duration) *TTLStore[V] {
	return &TTLStore[V]{
		entries: make(map[string]envelope[V]),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get はキーに対応する値を返す。
// エントリが存在しない、または期限切れの場合はゼロ値とfalseを返す。
// 期限切れエントリはこの呼び出しの副作用として削除される。
func (s *TTLStore[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if s.expired(e) {
		delete(s.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set はキーに値を保存し、TTLの起点となる保存時刻をリセットする。
func (s *TTLStore[V]) Set(key string, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = envelope[V]{value: value, storedAt: s.now()}
}

// IsValid はキーに対応する有効なエントリが存在するかを返す。
// Get同様、期限切れエントリは削除される。
func (s *TTLStore[V]) IsValid(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	if s.expired(e) {
		delete(s.entries, key)
		return false
	}
	return true
}

// Patch は有効なエントリの値をfnで差し替える。保存時刻は変更しない
// （TTLの起点を進めずにインプレース修正するための経路）。
// エントリが不在・期限切れの場合はfnを呼ばずにfalseを返す。
func (s *TTLStore[V]) Patch(key string, fn func(V) V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	if s.expired(e) {
		delete(s.entries, key)
		return false
	}
	e.value = fn(e.value)
	s.entries[key] = e
	return true
}

// Clear は全エントリを削除する。
func (s *TTLStore[V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]envelope[V])
}

// expired はエンベロープが期限切れかどうかを判定する。
// now - storedAt >= TTL で期限切れとする。
func (s *TTLStore[V]) expired(e envelope[V]) bool {
	return s.now().Sub(e.storedAt) >= s.ttl
}
