// Package timeline は楽観的投稿の管理とフィードへの合成を提供する。
// サーバー確認前の投稿を確定済みリストとは別の待機リストに保持し、
// リフレッシュで届いた確定版と照合して重複表示を防ぐ。
package timeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/takumi/forumedge/internal/model"
	"github.com/takumi/forumedge/internal/upstream"
)

// matchWindow は待機中投稿と確定済み投稿を「同一」とみなすタイムスタンプの
// 許容幅。本文の完全一致（トリム後）との組み合わせで判定する。
// 既知の近似であり、30秒以内に同一本文の別投稿があると誤って統合される。
// 挙動はこのヒューリスティックのまま維持する。
const matchWindow = 30 * time.Second

// Submitter は投稿作成のインターフェース。
type Submitter interface {
	CreatePost(ctx context.Context, body, category string, anonymous bool) (model.PostSummary, error)
}

// MetricsRecorder は楽観的投稿のメトリクス記録のインターフェース。
type MetricsRecorder interface {
	RecordSubmission(success bool)
	RecordPendingConfirmed()
}

// Entry はタイムラインに表示される1行を表す。
// Pending=trueの行はサーバー確認前の楽観的投稿。
type Entry struct {
	model.PostSummary
	Pending bool
}

// Reconciler は楽観的投稿のライフサイクルを管理する。
//   - 送信時: 一時IDを持つ待機エントリを先頭に追加し、即座に表示可能にする。
//   - 確定時: リフレッシュで届いた確定版と照合し、一致した待機エントリを落とす。
//   - 失敗時: 待機エントリを除去し、元の入力テキストをリトライ用に保持する。
//
// 待機エントリはキャッシュ層には一切保存されない。
type Reconciler struct {
	submitter Submitter
	logger    *slog.Logger
	metrics   MetricsRecorder

	// afterSubmit は送信成功後に呼ばれるフック（nil可）。
	// アプリ配線でフィードの強制リフレッシュに接続し、確定版の到着を早める。
	afterSubmit func()

	mu      sync.Mutex
	pending []model.PendingPost
	failed  []model.FailedSubmission
	wg      sync.WaitGroup

	newID func() string    // テスト時に差し替え可能
	now   func() time.Time // テスト時に差し替え可能
}

// NewReconciler はReconcilerの新しいインスタンスを生成する。
// metricsとafterSubmitはnil可。
func NewReconciler(submitter Submitter, logger *slog.Logger, metrics MetricsRecorder, afterSubmit func()) *Reconciler {
	return &Reconciler{
		submitter:   submitter,
		logger:      logger,
		metrics:     metrics,
		afterSubmit: afterSubmit,
		newID:       uuid.NewString,
		now:         time.Now,
	}
}

// Submit は投稿を送信する。待機エントリを即座に返し、実際の送信は
// バックグラウンドで行う。送信失敗時は待機エントリが除去され、
// 入力内容がTakeFailedで回収可能になる（自動リトライはしない）。
func (r *Reconciler) Submit(ctx context.Context, body, category string, anonymous bool) (model.PendingPost, error) {
	if strings.TrimSpace(body) == "" {
		return model.PendingPost{}, model.NewInvalidRequestError("本文が空です")
	}

	p := model.PendingPost{
		TempID:      r.newID(),
		Body:        body,
		Category:    category,
		IsAnonymous: anonymous,
		SubmittedAt: r.now(),
	}

	r.mu.Lock()
	r.pending = append([]model.PendingPost{p}, r.pending...)
	r.mu.Unlock()

	// 画面遷移で送信が中断されないよう、リクエストコンテキストから切り離す
	bgCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.submit(bgCtx, p)
	}()

	return p, nil
}

// submit は実際の送信を行い、結果に応じて待機リストを更新する。
func (r *Reconciler) submit(ctx context.Context, p model.PendingPost) {
	_, err := r.submitter.CreatePost(ctx, p.Body, p.Category, p.IsAnonymous)
	if err != nil {
		if errors.Is(err, upstream.ErrSuperseded) {
			return
		}

		var apiErr *model.APIError
		if !errors.As(err, &apiErr) {
			apiErr = model.NewNetworkError(err.Error())
		}

		r.mu.Lock()
		r.removePendingLocked(p.TempID)
		r.failed = append(r.failed, model.FailedSubmission{
			Body:        p.Body,
			Category:    p.Category,
			IsAnonymous: p.IsAnonymous,
			FailedAt:    r.now(),
			Reason:      apiErr,
		})
		r.mu.Unlock()

		r.logger.Error("投稿の送信に失敗しました",
			slog.String("temp_id", p.TempID),
			slog.String("code", apiErr.Code),
		)
		if r.metrics != nil {
			r.metrics.RecordSubmission(false)
		}
		return
	}

	r.logger.Info("投稿が送信されました",
		slog.String("temp_id", p.TempID),
	)
	if r.metrics != nil {
		r.metrics.RecordSubmission(true)
	}
	// 待機エントリはここでは落とさない。確定版がリフレッシュで届いた時点で
	// Reconcileが照合して落とす（それまで表示が途切れないようにする）。
	if r.afterSubmit != nil {
		r.afterSubmit()
	}
}

// Reconcile は確定済みリストと待機リストを照合し、確定版が現れた
// 待機エントリを落とす。リフレッシュ・ポーリングの完了ごとに呼ぶ。
// 照合規則: トリム後の本文が完全一致し、かつタイムスタンプの差が
// matchWindow以内であれば同一投稿とみなす。
func (r *Reconciler) Reconcile(confirmed []model.PostSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var remaining []model.PendingPost
	for _, p := range r.pending {
		matched := false
		for _, c := range confirmed {
			if matches(p, c) {
				matched = true
				break
			}
		}
		if matched {
			r.logger.Info("待機中の投稿が確定版で置き換えられました",
				slog.String("temp_id", p.TempID),
			)
			if r.metrics != nil {
				r.metrics.RecordPendingConfirmed()
			}
			continue
		}
		remaining = append(remaining, p)
	}
	r.pending = remaining
}

// Merged は待機リストと確定済みリストを合成した表示用タイムラインを返す。
// 並びは待機エントリ先頭。確定済みリストのうち、まだ待機中のエントリと
// 一致するものは二重表示を避けるため除外する。
func (r *Reconciler) Merged(confirmed []model.PostSummary) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]Entry, 0, len(r.pending)+len(confirmed))
	for _, p := range r.pending {
		entries = append(entries, Entry{
			PostSummary: model.PostSummary{
				ID:          p.TempID,
				Body:        p.Body,
				Category:    p.Category,
				IsAnonymous: p.IsAnonymous,
				CreatedAt:   p.SubmittedAt,
			},
			Pending: true,
		})
	}

	for _, c := range confirmed {
		shadowed := false
		for _, p := range r.pending {
			if matches(p, c) {
				shadowed = true
				break
			}
		}
		if shadowed {
			continue
		}
		entries = append(entries, Entry{PostSummary: c})
	}
	return entries
}

// TakeFailed は失敗した送信の入力内容を返して内部リストをクリアする。
// UIシェルはこれをコンポーザーに復元し、ユーザーが手動でリトライする。
func (r *Reconciler) TakeFailed() []model.FailedSubmission {
	r.mu.Lock()
	defer r.mu.Unlock()
	failed := r.failed
	r.failed = nil
	return failed
}

// PendingCount は待機中の投稿数を返す。
func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Wait は実行中のバックグラウンド送信の完了を待つ。テスト用。
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// removePendingLocked は一時IDで待機エントリを除去する。
// 呼び出し側がロックを保持する。
func (r *Reconciler) removePendingLocked(tempID string) {
	for i, p := range r.pending {
		if p.TempID == tempID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

// matches は待機中投稿と確定済み投稿が同一かどうかを判定する。
func matches(p model.PendingPost, c model.PostSummary) bool {
	if strings.TrimSpace(p.Body) != strings.TrimSpace(c.Body) {
		return false
	}
	diff := c.CreatedAt.Sub(p.SubmittedAt)
	if diff < 0 {
		diff = -diff
	}
	return diff <= matchWindow
}
