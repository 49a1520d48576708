package cache

import (
	"time"

	"github.com/takumi/forumedge/internal/model"
)

const (
	// DefaultListTTL はリストキャッシュのデフォルトTTL。
	// フィードの鮮度を優先して短めに設定する。
	DefaultListTTL = 2 * time.Minute
	// DefaultDetailTTL はディテールキャッシュのデフォルトTTL。
	// 戻りナビゲーションの即時表示を優先して長めに設定する。
	DefaultDetailTTL = 5 * time.Minute

	// listKey はリストキャッシュの単一キー。
	// リスト層は「最新フィード1件」のみを保持する。
	listKey = "recent"
)

// Service は2層キャッシュへの単一のアクセスポイント。
// 全操作は失敗しない。エントリの不在・期限切れは正常系として
// 不在値の返却で伝達され、エラーにはならない。
// アプリケーション起動時に生成し、ログアウト時に破棄する。
type Service struct {
	list   *TTLStore[[]model.PostSummary]
	detail *TTLStore[model.PostDetail]
}

// NewService は指定TTLのキャッシュサービスを生成する。
// TTLが0以下の場合はデフォルト値を使用する。
func NewService(listTTL, detailTTL time.Duration) *Service {
	if listTTL <= 0 {
		listTTL = DefaultListTTL
	}
	if detailTTL <= 0 {
		detailTTL = DefaultDetailTTL
	}
	return &Service{
		list:   NewTTLStore[[]model.PostSummary](listTTL),
		detail: NewTTLStore[model.PostDetail](detailTTL),
	}
}

// Posts はキャッシュ済みのフィード一覧を返す。
// 不在または期限切れの場合はfalseを返す。
// 返却されるスライスはコピーであり、呼び出し側の変更はキャッシュに影響しない。
func (s *Service) Posts() ([]model.PostSummary, bool) {
	posts, ok := s.list.Get(listKey)
	if !ok {
		return nil, false
	}
	out := make([]model.PostSummary, len(posts))
	copy(out, posts)
	return out, true
}

// SetPosts はフィード一覧を丸ごと差し替え、TTLの起点をリセットする。
func (s *Service) SetPosts(posts []model.PostSummary) {
	stored := make([]model.PostSummary, len(posts))
	copy(stored, posts)
	s.list.Set(listKey, stored)
}

// IsListValid はリストキャッシュが有効かどうかを返す。
func (s *Service) IsListValid() bool {
	return s.list.IsValid(listKey)
}

// UpdateBookmark はリストキャッシュ内の該当投稿のブックマークフラグのみを
// インプレースで更新する。並び順と他フィールドは変更しない。
// リストキャッシュが不在・期限切れ、または該当投稿がない場合は何もしない。
func (s *Service) UpdateBookmark(postID string, bookmarked bool) {
	s.list.Patch(listKey, func(posts []model.PostSummary) []model.PostSummary {
		for i := range posts {
			if posts[i].ID == postID {
				posts[i].IsBookmarked = bookmarked
				break
			}
		}
		return posts
	})
}

// Post は投稿IDに対応するディテールキャッシュエントリを返す。
// 不在または期限切れの場合はfalseを返す。TTLは投稿IDごとに独立している。
func (s *Service) Post(postID string) (model.PostDetail, bool) {
	return s.detail.Get(postID)
}

// SetPost は投稿詳細をディテールキャッシュに保存する。
func (s *Service) SetPost(postID string, detail model.PostDetail) {
	s.detail.Set(postID, detail)
}

// PostFromList は現在のリストキャッシュ内容から該当投稿のサマリーを探す。
// ディテールキャッシュは参照しない純粋なルックアップ。
func (s *Service) PostFromList(postID string) (model.PostSummary, bool) {
	posts, ok := s.list.Get(listKey)
	if !ok {
		return model.PostSummary{}, false
	}
	for _, p := range posts {
		if p.ID == postID {
			return p, true
		}
	}
	return model.PostSummary{}, false
}

// UpdateComments は既存のディテールキャッシュエントリのコメント列を差し替え、
// CommentsLoadedをtrueにする。エントリが存在しない場合は何もしない
// （新規エントリを作らない）。コメントは昇格または直接取得で生成済みの
// エントリにのみ付加される。
func (s *Service) UpdateComments(postID string, comments []model.Comment) {
	s.detail.Patch(postID, func(detail model.PostDetail) model.PostDetail {
		detail.Comments = comments
		detail.CommentsLoaded = true
		detail.CommentsFetchedAt = time.Now()
		detail.CommentCount = len(comments)
		return detail
	})
}

// Prefetch はナビゲーション前の先読みとして、リストキャッシュのサマリーから
// ディテールキャッシュのスケルトンエントリを合成する。
//   - 有効なディテールエントリが既にある場合は何もしない（冪等）。
//   - リストキャッシュに該当サマリーがない場合も何もしない。
//     先読みはベストエフォートであり、ネットワーク取得は行わない。
//
// コメント取得はブロックしない。スケルトンを置くことで遷移直後に本文を
// 即時表示でき、コメントは別経路で非同期に読み込まれる。
func (s *Service) Prefetch(postID string) {
	if s.detail.IsValid(postID) {
		return
	}
	summary, ok := s.PostFromList(postID)
	if !ok {
		return
	}
	s.detail.Set(postID, model.PostDetail{
		PostSummary:    summary,
		Comments:       nil,
		CommentsLoaded: false,
	})
}

// Clear は両層の全エントリを破棄する。ログアウト時に使用する。
func (s *Service) Clear() {
	s.list.Clear()
	s.detail.Clear()
}
