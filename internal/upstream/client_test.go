package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/takumi/forumedge/internal/model"
)

// passthroughSanitizer はテスト用のサニタイザ（入力をそのまま返す）。
type passthroughSanitizer struct{}

func (passthroughSanitizer) Sanitize(raw string) string { return raw }

// markingSanitizer はサニタイズが経由されたことを検証するためのサニタイザ。
type markingSanitizer struct{}

func (markingSanitizer) Sanitize(raw string) string { return "sanitized:" + raw }

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestClient(baseURL string, timeouts Timeouts) *Client {
	return NewClient(
		baseURL,
		&http.Client{},
		StaticTokenSource("test-token"),
		passthroughSanitizer{},
		nil,
		nil,
		testLogger(),
		timeouts,
	)
}

// TestClient_RecentPosts_Envelope はエンベロープ形レスポンスのパースと
// ベアラーヘッダー・クエリパラメータの付与をテストする。
func TestClient_RecentPosts_Envelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer test-token")
		}
		if got := r.URL.Query().Get("limit"); got != "20" {
			t.Errorf("limit = %q, want %q", got, "20")
		}
		if got := r.URL.Query().Get("offset"); got != "40" {
			t.Errorf("offset = %q, want %q", got, "40")
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":[
			{"id":"p-1","body":"本文1","category":"労働問題","user_id":"u-1",
			 "user":{"id":"u-1","display_name":"田中弁護士","username":"tanaka","is_lawyer":true},
			 "reply_count":3,"is_bookmarked":true,"created_at":"2026-03-01T12:00:00Z"},
			{"id":"p-2","body":"本文2","category":"相続","user_id":"u-2","is_anonymous":true,
			 "created_at":"2026-03-01T11:59:00.123456Z"}
		]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, DefaultTimeouts())
	posts, err := c.RecentPosts(context.Background(), 20, 40)
	if err != nil {
		t.Fatalf("RecentPosts returned error: %v", err)
	}

	if len(posts) != 2 {
		t.Fatalf("posts count = %d, want 2", len(posts))
	}
	p := posts[0]
	if p.ID != "p-1" || p.Body != "本文1" || p.CommentCount != 3 || !p.IsBookmarked {
		t.Errorf("unexpected first post: %+v", p)
	}
	if !p.Author.IsLawyer || p.Author.Handle != "tanaka" {
		t.Errorf("unexpected author: %+v", p.Author)
	}
	if !posts[1].IsAnonymous {
		t.Error("expected second post to be anonymous")
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !p.CreatedAt.Equal(want) {
		t.Errorf("CreatedAt = %v, want %v", p.CreatedAt, want)
	}
}

// TestClient_RecentPosts_BareArray は裸の配列形レスポンスも受け付けることをテストする。
func TestClient_RecentPosts_BareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"id":"p-1","body":"本文","created_at":"2026-03-01T12:00:00Z"}]`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, DefaultTimeouts())
	posts, err := c.RecentPosts(context.Background(), 20, 0)
	if err != nil {
		t.Fatalf("RecentPosts returned error: %v", err)
	}
	if len(posts) != 1 || posts[0].ID != "p-1" {
		t.Errorf("unexpected posts: %+v", posts)
	}
}

// TestClient_BodySanitized は本文がマッピング時にサニタイザを経由することをテストする。
func TestClient_BodySanitized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":{"id":"p-1","body":"raw"}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &http.Client{}, StaticTokenSource("t"), markingSanitizer{}, nil, nil, testLogger(), DefaultTimeouts())
	post, err := c.Post(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("Post returned error: %v", err)
	}
	if post.Body != "sanitized:raw" {
		t.Errorf("Body = %q, want %q", post.Body, "sanitized:raw")
	}
}

// TestClient_Replies_AnonymousAuthor は匿名返信（user=null）でAuthorがnilに
// なることをテストする。
func TestClient_Replies_AnonymousAuthor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/forum/posts/p-1/replies" {
			t.Errorf("path = %q", r.URL.Path)
		}
		io.WriteString(w, `{"data":[
			{"id":"c-1","body":"匿名の返信","user":null,"created_at":"2026-03-01T12:00:00Z"},
			{"id":"c-2","body":"返信","user":{"id":"u-1","display_name":"佐藤"},"created_at":"2026-03-01T12:01:00Z"}
		]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, DefaultTimeouts())
	comments, err := c.Replies(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("Replies returned error: %v", err)
	}
	if len(comments) != 2 {
		t.Fatalf("comments count = %d, want 2", len(comments))
	}
	if comments[0].Author != nil {
		t.Error("expected anonymous comment author to be nil")
	}
	if comments[1].Author == nil || comments[1].Author.DisplayName != "佐藤" {
		t.Errorf("unexpected second author: %+v", comments[1].Author)
	}
}

// TestClient_ErrorClassification はHTTPステータスがエラーコードに
// 分類されることをテストする。
func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		call     func(c *Client) error
		wantCode string
	}{
		{
			name:   "403はUNAUTHORIZED",
			status: http.StatusForbidden,
			call: func(c *Client) error {
				_, err := c.RecentPosts(context.Background(), 20, 0)
				return err
			},
			wantCode: model.ErrCodeUnauthorized,
		},
		{
			name:   "404はPOST_NOT_FOUND",
			status: http.StatusNotFound,
			call: func(c *Client) error {
				_, err := c.Post(context.Background(), "p-404")
				return err
			},
			wantCode: model.ErrCodePostNotFound,
		},
		{
			name:   "書き込みの422はMODERATION_REJECTED",
			status: http.StatusUnprocessableEntity,
			body:   `{"error":"不適切な表現が含まれています"}`,
			call: func(c *Client) error {
				_, err := c.CreatePost(context.Background(), "本文", "労働問題", false)
				return err
			},
			wantCode: model.ErrCodeModerationRejected,
		},
		{
			name:   "通報の409はALREADY_REPORTED",
			status: http.StatusConflict,
			call: func(c *Client) error {
				return c.Report(context.Background(), "p-1", "post", "spam", "")
			},
			wantCode: model.ErrCodeAlreadyReported,
		},
		{
			name:   "5xxはUPSTREAM_ERROR",
			status: http.StatusBadGateway,
			call: func(c *Client) error {
				_, err := c.RecentPosts(context.Background(), 20, 0)
				return err
			},
			wantCode: model.ErrCodeUpstreamError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			err := tt.call(newTestClient(srv.URL, DefaultTimeouts()))
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *model.APIError, got %v", err)
			}
			if apiErr.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", apiErr.Code, tt.wantCode)
			}
		})
	}
}

// TestClient_ModerationMessagePreserved は拒否理由がインライン表示用に
// メッセージへ保持されることをテストする。
func TestClient_ModerationMessagePreserved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"message":"個人情報を含めることはできません"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, DefaultTimeouts())
	_, err := c.CreateReply(context.Background(), "p-1", "本文", false)

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *model.APIError, got %v", err)
	}
	if apiErr.Code != model.ErrCodeModerationRejected {
		t.Errorf("code = %q, want %q", apiErr.Code, model.ErrCodeModerationRejected)
	}
	want := "個人情報を含めることはできません"
	if !strings.Contains(apiErr.Message, want) {
		t.Errorf("message %q does not contain %q", apiErr.Message, want)
	}
}

// TestClient_Superseded は親コンテキストのキャンセルがErrSupersededとして
// 無言扱いになることをテストする。
func TestClient_Superseded(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	c := newTestClient(srv.URL, DefaultTimeouts())
	_, err := c.RecentPosts(ctx, 20, 0)
	if !errors.Is(err, ErrSuperseded) {
		t.Errorf("expected ErrSuperseded, got %v", err)
	}
}

// TestClient_Timeout はエンドポイント固有のタイムアウトがTIMEOUTエラーに
// なることをテストする。
func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	timeouts := DefaultTimeouts()
	timeouts.Post = 50 * time.Millisecond

	c := newTestClient(srv.URL, timeouts)
	_, err := c.Post(context.Background(), "p-1")

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *model.APIError, got %v", err)
	}
	if apiErr.Code != model.ErrCodeTimeout {
		t.Errorf("code = %q, want %q", apiErr.Code, model.ErrCodeTimeout)
	}
}

// TestClient_ToggleBookmark はブックマークトグルのレスポンスパースをテストする。
func TestClient_ToggleBookmark(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/forum/bookmarks/toggle" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		io.WriteString(w, `{"data":{"bookmarked":true}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, DefaultTimeouts())
	bookmarked, err := c.ToggleBookmark(context.Background(), "p-7")
	if err != nil {
		t.Fatalf("ToggleBookmark returned error: %v", err)
	}
	if !bookmarked {
		t.Error("expected bookmarked = true")
	}
}
