package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/takumi/forumedge/internal/cache"
	"github.com/takumi/forumedge/internal/model"
	"github.com/takumi/forumedge/internal/upstream"
)

// mockFetcher はテスト用のPostFetcherモック。
type mockFetcher struct {
	fn    func(ctx context.Context, limit, offset int) ([]model.PostSummary, error)
	calls atomic.Int64
}

func (m *mockFetcher) RecentPosts(ctx context.Context, limit, offset int) ([]model.PostSummary, error) {
	m.calls.Add(1)
	if m.fn != nil {
		return m.fn(ctx, limit, offset)
	}
	return nil, nil
}

func makePosts(prefix string, n int) []model.PostSummary {
	posts := make([]model.PostSummary, n)
	for i := 0; i < n; i++ {
		posts[i] = model.PostSummary{
			ID:        fmt.Sprintf("%s-%d", prefix, i),
			Body:      fmt.Sprintf("本文 %s-%d", prefix, i),
			CreatedAt: time.Now(),
		}
	}
	return posts
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestLoader(fetcher *mockFetcher, pageSize int) (*Loader, *cache.Service) {
	c := cache.NewService(0, 0)
	return NewLoader(fetcher, c, testLogger(), nil, pageSize), c
}

// TestLoader_Refresh_PopulatesCache はリフレッシュ成功でリストと
// キャッシュが更新されることをテストする。
func TestLoader_Refresh_PopulatesCache(t *testing.T) {
	fetcher := &mockFetcher{fn: func(ctx context.Context, limit, offset int) ([]model.PostSummary, error) {
		if limit != 20 || offset != 0 {
			t.Errorf("fetch(limit=%d, offset=%d), want (20, 0)", limit, offset)
		}
		return makePosts("a", 20), nil
	}}
	loader, c := newTestLoader(fetcher, 20)

	snap, err := loader.Refresh(context.Background(), false)
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if len(snap.Posts) != 20 {
		t.Errorf("posts count = %d, want 20", len(snap.Posts))
	}
	if !snap.HasMore {
		t.Error("expected HasMore=true for a full page")
	}
	if cached, ok := c.Posts(); !ok || len(cached) != 20 {
		t.Error("expected cache to hold the refreshed page")
	}
}

// TestLoader_Refresh_ServesFromValidCache はキャッシュ有効時に
// ネットワークに出ないことをテストする。
func TestLoader_Refresh_ServesFromValidCache(t *testing.T) {
	fetcher := &mockFetcher{fn: func(ctx context.Context, limit, offset int) ([]model.PostSummary, error) {
		return makePosts("a", 20), nil
	}}
	loader, _ := newTestLoader(fetcher, 20)

	if _, err := loader.Refresh(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	// 2回目: キャッシュが有効なのでフェッチしない（フォーカス時の暗黙デバウンス）
	snap, err := loader.Refresh(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
	if len(snap.Posts) != 20 {
		t.Errorf("posts count = %d, want 20", len(snap.Posts))
	}
}

// TestLoader_ForceRefresh_BypassesCache はプルリフレッシュがキャッシュ検査を
// バイパスし、ページネーションをリセットすることをテストする。
func TestLoader_ForceRefresh_BypassesCache(t *testing.T) {
	fetcher := &mockFetcher{fn: func(ctx context.Context, limit, offset int) ([]model.PostSummary, error) {
		if offset != 0 {
			t.Errorf("force refresh offset = %d, want 0", offset)
		}
		return makePosts("b", 5), nil
	}}
	loader, _ := newTestLoader(fetcher, 20)

	if _, err := loader.Refresh(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	snap, err := loader.Refresh(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if got := fetcher.calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}
	if len(snap.Posts) != 5 {
		t.Errorf("posts count = %d, want 5 (wholesale replacement)", len(snap.Posts))
	}
	if snap.HasMore {
		t.Error("expected HasMore=false for a partial page")
	}
}

// TestLoader_LoadMore_DeduplicatesOverlap はサーバーのページ重複があっても
// マージ後のリストにIDの重複が出ないことをテストする。
func TestLoader_LoadMore_DeduplicatesOverlap(t *testing.T) {
	first := makePosts("p", 20)
	// 2ページ目は先頭5件が1ページ目の末尾と重複している
	second := append(makePosts("p", 20)[15:], makePosts("q", 15)...)

	fetcher := &mockFetcher{fn: func(ctx context.Context, limit, offset int) ([]model.PostSummary, error) {
		if offset == 0 {
			return first, nil
		}
		return second, nil
	}}
	loader, _ := newTestLoader(fetcher, 20)

	if _, err := loader.Refresh(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	snap, err := loader.LoadMore(context.Background())
	if err != nil {
		t.Fatalf("LoadMore returned error: %v", err)
	}

	seen := make(map[string]bool)
	for _, p := range snap.Posts {
		if seen[p.ID] {
			t.Errorf("duplicate post id in merged list: %s", p.ID)
		}
		seen[p.ID] = true
	}
	if len(snap.Posts) != 35 {
		t.Errorf("merged count = %d, want 35 (20 + 15 unique)", len(snap.Posts))
	}
	if !snap.HasMore {
		t.Error("expected HasMore=true: the page itself was full-size")
	}
}

// TestLoader_LoadMore_AdvancesOffsetByPageSize はオフセットがユニーク追加数では
// なく要求ページサイズ分進むことをテストする。
func TestLoader_LoadMore_AdvancesOffsetByPageSize(t *testing.T) {
	var offsets []int
	fetcher := &mockFetcher{fn: func(ctx context.Context, limit, offset int) ([]model.PostSummary, error) {
		offsets = append(offsets, offset)
		return makePosts(fmt.Sprintf("page%d", offset), 20), nil
	}}
	loader, _ := newTestLoader(fetcher, 20)

	loader.Refresh(context.Background(), false)
	loader.LoadMore(context.Background())
	loader.LoadMore(context.Background())

	want := []int{0, 20, 40}
	if len(offsets) != 3 {
		t.Fatalf("fetch count = %d, want 3", len(offsets))
	}
	for i, o := range offsets {
		if o != want[i] {
			t.Errorf("offsets[%d] = %d, want %d", i, o, want[i])
		}
	}
}

// TestLoader_LoadMore_EndsOnPartialPage は部分ページでページネーションが
// 終端になり、以後のLoadMoreがno-opになることをテストする。
func TestLoader_LoadMore_EndsOnPartialPage(t *testing.T) {
	fetcher := &mockFetcher{fn: func(ctx context.Context, limit, offset int) ([]model.PostSummary, error) {
		if offset == 0 {
			return makePosts("a", 20), nil
		}
		return makePosts("b", 7), nil
	}}
	loader, _ := newTestLoader(fetcher, 20)

	loader.Refresh(context.Background(), false)
	snap, _ := loader.LoadMore(context.Background())
	if snap.HasMore {
		t.Error("expected HasMore=false after a partial page")
	}

	before := fetcher.calls.Load()
	loader.LoadMore(context.Background())
	if fetcher.calls.Load() != before {
		t.Error("expected LoadMore to be a no-op when HasMore=false")
	}
}

// TestLoader_LoadMore_SingleFlight はロードモア実行中の再入が
// 無言のno-opになることをテストする。
func TestLoader_LoadMore_SingleFlight(t *testing.T) {
	blocked := make(chan struct{})
	release := make(chan struct{})
	fetcher := &mockFetcher{fn: func(ctx context.Context, limit, offset int) ([]model.PostSummary, error) {
		if offset > 0 {
			close(blocked)
			<-release
		}
		return makePosts(fmt.Sprintf("o%d", offset), 20), nil
	}}
	loader, _ := newTestLoader(fetcher, 20)
	loader.Refresh(context.Background(), false)

	done := make(chan struct{})
	go func() {
		loader.LoadMore(context.Background())
		close(done)
	}()
	<-blocked

	// 実行中の再入: フェッチ回数が増えないこと
	before := fetcher.calls.Load()
	loader.LoadMore(context.Background())
	if fetcher.calls.Load() != before {
		t.Error("expected concurrent LoadMore to be ignored")
	}

	close(release)
	<-done
}

// TestLoader_StalePreservingFailure は取得失敗時に直前の表示リストが
// 維持されることをテストする。
func TestLoader_StalePreservingFailure(t *testing.T) {
	failing := false
	fetcher := &mockFetcher{fn: func(ctx context.Context, limit, offset int) ([]model.PostSummary, error) {
		if failing {
			return nil, model.NewNetworkError("connection refused")
		}
		return makePosts("a", 20), nil
	}}
	loader, _ := newTestLoader(fetcher, 20)

	loader.Refresh(context.Background(), false)

	failing = true
	snap, err := loader.Refresh(context.Background(), true)
	if err == nil {
		t.Fatal("expected refresh error")
	}
	if len(snap.Posts) != 20 {
		t.Errorf("posts count after failure = %d, want 20 (stale preserved)", len(snap.Posts))
	}
	if snap.LastErr == nil || snap.LastErr.Code != model.ErrCodeNetworkError {
		t.Errorf("LastErr = %+v, want NETWORK_ERROR", snap.LastErr)
	}
}

// TestLoader_SupersededIsSilent は追い越されたリクエストがエラーにも
// 状態変化にもならないことをテストする。
func TestLoader_SupersededIsSilent(t *testing.T) {
	fetcher := &mockFetcher{fn: func(ctx context.Context, limit, offset int) ([]model.PostSummary, error) {
		return nil, upstream.ErrSuperseded
	}}
	loader, _ := newTestLoader(fetcher, 20)

	snap, err := loader.Refresh(context.Background(), true)
	if err != nil {
		t.Errorf("expected superseded refresh to return nil error, got %v", err)
	}
	if snap.LastErr != nil {
		t.Errorf("expected no visible error, got %+v", snap.LastErr)
	}
}

// TestLoader_UnauthorizedClearsFeed は認証エラーがフィードと
// キャッシュをクリアすることをテストする。
func TestLoader_UnauthorizedClearsFeed(t *testing.T) {
	failing := false
	fetcher := &mockFetcher{fn: func(ctx context.Context, limit, offset int) ([]model.PostSummary, error) {
		if failing {
			return nil, model.NewUnauthorizedError()
		}
		return makePosts("a", 20), nil
	}}
	loader, c := newTestLoader(fetcher, 20)

	loader.Refresh(context.Background(), false)
	failing = true
	snap, err := loader.Refresh(context.Background(), true)
	if err == nil {
		t.Fatal("expected unauthorized error")
	}
	if len(snap.Posts) != 0 {
		t.Error("expected feed to be cleared on auth failure")
	}
	if _, ok := c.Posts(); ok {
		t.Error("expected cache to be cleared on auth failure")
	}
}

// TestLoader_StaleLoadMoreDiscarded は実行中のロードモアがリフレッシュに
// 追い越された場合、その完了が破棄されることをテストする。
func TestLoader_StaleLoadMoreDiscarded(t *testing.T) {
	blocked := make(chan struct{})
	release := make(chan struct{})
	fetcher := &mockFetcher{fn: func(ctx context.Context, limit, offset int) ([]model.PostSummary, error) {
		if offset > 0 {
			close(blocked)
			<-release
			return makePosts("stale", 20), nil
		}
		return makePosts("fresh", 10), nil
	}}
	loader, _ := newTestLoader(fetcher, 20)
	loader.Refresh(context.Background(), false)

	done := make(chan Snapshot)
	go func() {
		snap, _ := loader.LoadMore(context.Background())
		done <- snap
	}()
	<-blocked

	// ロードモアがブロックしている間に強制リフレッシュが完了する
	if _, err := loader.Refresh(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	close(release)
	<-done

	snap := loader.Snapshot()
	if len(snap.Posts) != 10 {
		t.Errorf("posts count = %d, want 10 (stale load-more discarded)", len(snap.Posts))
	}
	for _, p := range snap.Posts {
		if p.ID[:5] == "stale" {
			t.Errorf("found stale post %s in refreshed list", p.ID)
		}
	}
}

// TestLoader_StartPolling_FiresAndStops はポーリングが発火し、
// コンテキストキャンセルで停止することをテストする。
func TestLoader_StartPolling_FiresAndStops(t *testing.T) {
	fetched := make(chan struct{}, 1)
	fetcher := &mockFetcher{fn: func(ctx context.Context, limit, offset int) ([]model.PostSummary, error) {
		select {
		case fetched <- struct{}{}:
		default:
		}
		return makePosts("a", 5), nil
	}}
	loader, _ := newTestLoader(fetcher, 20)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		loader.StartPolling(ctx, 10*time.Millisecond)
		close(stopped)
	}()

	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("expected poll to trigger a fetch")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("expected polling loop to stop on cancel")
	}
}
