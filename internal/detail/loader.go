// Package detail は投稿詳細の段階的な読み込みを提供する。
// ディテールキャッシュ → リストキャッシュからの昇格 → ネットワーク取得の
// 順で解決し、最初にヒットした層から即座に本文を返す。
package detail

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/takumi/forumedge/internal/cache"
	"github.com/takumi/forumedge/internal/model"
	"github.com/takumi/forumedge/internal/upstream"
)

// PostSource は投稿詳細と返信の取得インターフェース。
type PostSource interface {
	Post(ctx context.Context, postID string) (model.PostSummary, error)
	Replies(ctx context.Context, postID string) ([]model.Comment, error)
}

// MetricsRecorder はディテールローダーのメトリクス記録のインターフェース。
type MetricsRecorder interface {
	RecordCacheHit(tier string)
	RecordCacheMiss(tier string)
}

// Loader は投稿詳細の段階的解決を行う。
// 昇格直後の未ロードエントリに対するバックグラウンドのコメント取得は
// 投稿IDごとに高々1つしか起動しない。
type Loader struct {
	source  PostSource
	cache   *cache.Service
	logger  *slog.Logger
	metrics MetricsRecorder

	mu       sync.Mutex
	inFlight map[string]bool // 投稿ID → バックグラウンド取得実行中
	wg       sync.WaitGroup  // テストでバックグラウンド完了を待つため
}

// NewLoader はLoaderの新しいインスタンスを生成する。metricsはnil可。
func NewLoader(source PostSource, cacheSvc *cache.Service, logger *slog.Logger, metrics MetricsRecorder) *Loader {
	return &Loader{
		source:   source,
		cache:    cacheSvc,
		logger:   logger,
		metrics:  metrics,
		inFlight: make(map[string]bool),
	}
}

// Load は投稿詳細を段階的に解決する。最初にヒットした層が勝つ。
//
//  1. ディテールキャッシュに有効なコメントロード済みエントリがある
//     → 同期的に返す。ネットワーク呼び出しなし。
//  2. エントリが未ロード（昇格済みスケルトン）か、リストキャッシュにサマリーがある
//     → スケルトンを即座に返して本文を先に表示可能にし、
//     コメントだけをバックグラウンドで取得してキャッシュにパッチする。
//  3. どちらのキャッシュにもない
//     → 投稿本体を先に取得（本文を早く返すため）、続いてコメントを取得。
//     両方成功した場合のみディテールキャッシュに保存する。
//
// 層2・3でのコメント取得失敗は表示済みの本文を消さず、コメント0件に
// 縮退してログのみ記録する。ユーザー可視のエラーになるのは層3の
// 投稿本体の取得失敗（404/403/タイムアウト）のみ。
func (l *Loader) Load(ctx context.Context, postID string) (model.PostDetail, error) {
	// 層1: コメントロード済みのディテールエントリ
	if d, ok := l.cache.Post(postID); ok {
		if d.CommentsLoaded {
			if l.metrics != nil {
				l.metrics.RecordCacheHit("detail")
			}
			return d, nil
		}
		// 昇格済みだが未ロード: バックグラウンド取得を保証して即返す
		l.fetchCommentsAsync(ctx, postID)
		return d, nil
	}
	if l.metrics != nil {
		l.metrics.RecordCacheMiss("detail")
	}

	// 層2: リストキャッシュからの昇格
	if summary, ok := l.cache.PostFromList(postID); ok {
		skeleton := model.PostDetail{
			PostSummary:    summary,
			CommentsLoaded: false,
		}
		l.cache.SetPost(postID, skeleton)
		l.fetchCommentsAsync(ctx, postID)
		return skeleton, nil
	}

	// 層3: ネットワーク取得。本文を先に、コメントを後に。
	summary, err := l.source.Post(ctx, postID)
	if err != nil {
		return model.PostDetail{}, err
	}

	comments, err := l.source.Replies(ctx, postID)
	if err != nil {
		// コメント失敗は本文表示を妨げない。キャッシュには保存しない
		// （両方成功した場合のみ保存する）。
		if !errors.Is(err, upstream.ErrSuperseded) {
			l.logger.Warn("返信の取得に失敗したためコメント0件に縮退します",
				slog.String("post_id", postID),
				slog.String("error", err.Error()),
			)
		}
		return model.PostDetail{PostSummary: summary}, nil
	}

	detail := model.PostDetail{
		PostSummary:    summary,
		Comments:       comments,
		CommentsLoaded: true,
	}
	detail.CommentCount = len(comments)
	l.cache.SetPost(postID, detail)
	return detail, nil
}

// LoadComments は返信一覧を同期的に取得してキャッシュにパッチする。
// 返信一覧の明示的な再読み込み（引っ張って更新等）に使用する。
func (l *Loader) LoadComments(ctx context.Context, postID string) ([]model.Comment, error) {
	comments, err := l.source.Replies(ctx, postID)
	if err != nil {
		return nil, err
	}
	l.cache.UpdateComments(postID, comments)
	return comments, nil
}

// fetchCommentsAsync は投稿のコメントをバックグラウンドで取得し、
// 成功時にディテールキャッシュへパッチする。
// 同じ投稿IDに対する取得は高々1つしか起動しない（昇格済み未ロード
// エントリはちょうど1回の取得をトリガーする）。
// 画面のアンマウント（リクエストコンテキストのキャンセル）では取得を
// 中断しない。取得結果はキャッシュにのみ書かれるため、破棄される
// 状態更新は存在しない。
func (l *Loader) fetchCommentsAsync(ctx context.Context, postID string) {
	l.mu.Lock()
	if l.inFlight[postID] {
		l.mu.Unlock()
		return
	}
	l.inFlight[postID] = true
	l.mu.Unlock()

	bgCtx := context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			l.mu.Lock()
			delete(l.inFlight, postID)
			l.mu.Unlock()
		}()

		comments, err := l.source.Replies(bgCtx, postID)
		if err != nil {
			// 縮退: 本文は表示済みなのでエラーは表面化させない
			if !errors.Is(err, upstream.ErrSuperseded) {
				l.logger.Warn("バックグラウンドの返信取得に失敗しました",
					slog.String("post_id", postID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		l.cache.UpdateComments(postID, comments)
	}()
}

// Wait は実行中のバックグラウンド取得の完了を待つ。テスト用。
func (l *Loader) Wait() {
	l.wg.Wait()
}
