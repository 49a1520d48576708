// Package feed はフォーラムフィードの読み込みを統括する。
// キャッシュ有効性の確認、ページ取得、ページネーションのマージ、
// キャッシュへの書き戻しを1つのローダーにまとめる。
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/takumi/forumedge/internal/cache"
	"github.com/takumi/forumedge/internal/model"
	"github.com/takumi/forumedge/internal/upstream"
)

// DefaultPageSize はフィード1ページの取得件数。
const DefaultPageSize = 20

// PostFetcher はフィードページ取得のインターフェース。
// テスト時にモックに差し替え可能。
type PostFetcher interface {
	RecentPosts(ctx context.Context, limit, offset int) ([]model.PostSummary, error)
}

// MetricsRecorder はフィードローダーのメトリクス記録のインターフェース。
type MetricsRecorder interface {
	RecordCacheHit(tier string)
	RecordCacheMiss(tier string)
	RecordFeedRefresh(success bool)
}

// Snapshot はローダーの現在の可視状態を表す。
// エラー発生時も直前の表示データを保持する（エラーでデータを消さない）。
type Snapshot struct {
	Posts   []model.PostSummary
	HasMore bool
	LastErr *model.APIError
}

// Loader はフィード1リソース分の読み込み状態機械。
//   - リフレッシュ（初回マウント・プルリフレッシュ・フォーカス時・ポーリング）
//   - ロードモア（スクロール末尾での追加取得）
//
// の2系統の取得を、それぞれ独立した同期フラグでガードする。
// リフレッシュはロードモアの完了を待たず、単調増加する世代カウンターにより
// 追い越された完了は破棄される。
type Loader struct {
	fetcher  PostFetcher
	cache    *cache.Service
	logger   *slog.Logger
	metrics  MetricsRecorder
	pageSize int

	mu          sync.Mutex
	posts       []model.PostSummary
	offset      int
	hasMore     bool
	refreshing  bool
	loadingMore bool
	generation  uint64
	lastErr     *model.APIError
}

// NewLoader はLoaderの新しいインスタンスを生成する。
// pageSizeが0以下の場合はデフォルト値を使用する。metricsはnil可。
func NewLoader(
	fetcher PostFetcher,
	cacheSvc *cache.Service,
	logger *slog.Logger,
	metrics MetricsRecorder,
	pageSize int,
) *Loader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Loader{
		fetcher:  fetcher,
		cache:    cacheSvc,
		logger:   logger,
		metrics:  metrics,
		pageSize: pageSize,
		hasMore:  true,
	}
}

// Snapshot は現在の可視状態を返す。
func (l *Loader) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	posts := make([]model.PostSummary, len(l.posts))
	copy(posts, l.posts)
	return Snapshot{Posts: posts, HasMore: l.hasMore, LastErr: l.lastErr}
}

// Refresh はフィードの先頭ページを取得し、リストを丸ごと差し替える。
//   - force=false: キャッシュが有効ならネットワークに出ずにキャッシュから提供する。
//     マウント・フォーカス・ポーリングの冗長なトリガーはこの検査で自然に
//     デバウンスされる。
//   - force=true: プルリフレッシュ等。キャッシュ検査をバイパスし、
//     ページネーションをオフセット0にリセットする。
//
// 別のリフレッシュが実行中の場合は現在のスナップショットを返す（多重実行しない）。
// 取得失敗時は直前の表示リストを保持し、エラーをスナップショットに載せる。
// 新しいリクエストに追い越された完了は無言で破棄される。
func (l *Loader) Refresh(ctx context.Context, force bool) (Snapshot, error) {
	if !force && l.cache.IsListValid() {
		if cached, ok := l.cache.Posts(); ok {
			if l.metrics != nil {
				l.metrics.RecordCacheHit("list")
			}
			l.mu.Lock()
			l.adoptLocked(cached)
			l.mu.Unlock()
			return l.Snapshot(), nil
		}
	}
	if l.metrics != nil {
		l.metrics.RecordCacheMiss("list")
	}

	l.mu.Lock()
	if l.refreshing {
		// リフレッシュの多重実行は抑止する
		l.mu.Unlock()
		return l.Snapshot(), nil
	}
	l.refreshing = true
	l.generation++
	gen := l.generation
	l.mu.Unlock()

	posts, err := l.fetcher.RecentPosts(ctx, l.pageSize, 0)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshing = false

	if gen != l.generation {
		// より新しいリフレッシュに追い越された完了は破棄する
		return l.snapshotLocked(), nil
	}

	if err != nil {
		return l.handleFetchErrorLocked(err, "refresh")
	}

	l.posts = posts
	l.offset = l.pageSize
	l.hasMore = len(posts) == l.pageSize
	l.lastErr = nil
	l.cache.SetPosts(posts)
	if l.metrics != nil {
		l.metrics.RecordFeedRefresh(true)
	}

	l.logger.Info("フィードをリフレッシュしました",
		slog.Int("post_count", len(posts)),
		slog.Bool("has_more", l.hasMore),
		slog.Bool("force", force),
	)
	return l.snapshotLocked(), nil
}

// LoadMore は現在のオフセットから次ページを取得して末尾に追加する。
//   - ロードモアが既に実行中、または次ページがない場合は無言のno-op。
//   - サーバー側のページ重複に備え、既存IDと重複する項目は除外して追加する。
//   - オフセットは追加できたユニーク件数ではなく、要求したページサイズ分だけ進める。
//   - ページがpageSize未満ならページネーション終端とする。
//
// リフレッシュと独立したガードを持ち、実行中にリフレッシュが走った場合は
// 世代カウンターにより完了が破棄される。
func (l *Loader) LoadMore(ctx context.Context) (Snapshot, error) {
	l.mu.Lock()
	if l.loadingMore || !l.hasMore {
		l.mu.Unlock()
		return l.Snapshot(), nil
	}
	l.loadingMore = true
	gen := l.generation
	offset := l.offset
	l.mu.Unlock()

	page, err := l.fetcher.RecentPosts(ctx, l.pageSize, offset)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.loadingMore = false

	if gen != l.generation {
		// 実行中にリフレッシュがリストを差し替えた。結果は破棄する。
		return l.snapshotLocked(), nil
	}

	if err != nil {
		return l.handleFetchErrorLocked(err, "load_more")
	}

	seen := make(map[string]bool, len(l.posts))
	for _, p := range l.posts {
		seen[p.ID] = true
	}
	appended := 0
	for _, p := range page {
		if seen[p.ID] {
			continue
		}
		l.posts = append(l.posts, p)
		appended++
	}

	l.offset += l.pageSize
	l.hasMore = len(page) == l.pageSize
	l.lastErr = nil
	l.cache.SetPosts(l.posts)

	l.logger.Info("フィードに追加ページを読み込みました",
		slog.Int("page_count", len(page)),
		slog.Int("appended", appended),
		slog.Int("next_offset", l.offset),
		slog.Bool("has_more", l.hasMore),
	)
	return l.snapshotLocked(), nil
}

// StartPolling は自己再スケジュール方式のポーリングループを開始する。
// 発火→完了待ち→次回予約の順で動くため、ポーリング同士が重なることはない。
// コンテキストがキャンセルされるまで実行を継続する。
func (l *Loader) StartPolling(ctx context.Context, interval time.Duration) {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	l.logger.Info("フィードポーリングを開始しました",
		slog.Duration("interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("フィードポーリングを停止しました")
			return
		case <-timer.C:
		}

		if _, err := l.Refresh(ctx, false); err != nil && !errors.Is(err, upstream.ErrSuperseded) {
			l.logger.Error("ポーリングによるリフレッシュに失敗しました",
				slog.String("error", err.Error()),
			)
		}

		// 完了を待ってから次回を予約する
		timer.Reset(interval)
	}
}

// adoptLocked はキャッシュから取り出したリストを内部状態に取り込む。
// オフセットとhasMoreはリスト長から復元する。呼び出し側がロックを保持する。
func (l *Loader) adoptLocked(posts []model.PostSummary) {
	l.posts = posts
	l.offset = len(posts)
	l.hasMore = len(posts) >= l.pageSize
	l.lastErr = nil
}

// handleFetchErrorLocked は取得エラーを分類して状態に反映する。
// 呼び出し側がロックを保持する。
//   - 追い越し（superseded）: 無言のno-op。
//   - 認証エラー: フィードとキャッシュをクリアし、再ログインを促す。
//   - その他: 表示中のリストを保持したままエラーフラグのみ立てる。
func (l *Loader) handleFetchErrorLocked(err error, op string) (Snapshot, error) {
	if errors.Is(err, upstream.ErrSuperseded) {
		return l.snapshotLocked(), nil
	}

	if l.metrics != nil && op == "refresh" {
		l.metrics.RecordFeedRefresh(false)
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		apiErr = model.NewNetworkError(err.Error())
	}

	if apiErr.Code == model.ErrCodeUnauthorized {
		// 認証切れはステイルデータ維持の例外: フィードを空にする
		l.posts = nil
		l.offset = 0
		l.hasMore = false
		l.cache.Clear()
	}

	l.lastErr = apiErr
	l.logger.Error("フィード取得に失敗しました",
		slog.String("op", op),
		slog.String("code", apiErr.Code),
		slog.String("error", apiErr.Message),
	)
	return l.snapshotLocked(), apiErr
}

// snapshotLocked はロック保持中にスナップショットを作成する。
func (l *Loader) snapshotLocked() Snapshot {
	posts := make([]model.PostSummary, len(l.posts))
	copy(posts, l.posts)
	return Snapshot{Posts: posts, HasMore: l.hasMore, LastErr: l.lastErr}
}
