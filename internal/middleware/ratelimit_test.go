package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/chatline/internal/model"
)

func testRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    5,
		SendRate:        1,
		SendBurst:       2,
		CleanupInterval: time.Minute,
	}
}

func requestAs(method, path, userID string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	if userID == "" {
		return req
	}
	return req.WithContext(context.WithValue(req.Context(), userIDContextKey, userID))
}

func okHandler(count *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*count++
		w.WriteHeader(http.StatusOK)
	})
}

// --- API全般 ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	calls := 0
	handler := rl.GeneralMiddleware()(okHandler(&calls))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(http.MethodGet, "/api/v1/message/online", "user-1"))
		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}
	if calls != 5 {
		t.Errorf("handler call count = %d, want 5", calls)
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfterAndUnifiedBody(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.GeneralBurst = 1
	cfg.GeneralRate = 0.5
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	calls := 0
	handler := rl.GeneralMiddleware()(okHandler(&calls))

	handler.ServeHTTP(httptest.NewRecorder(), requestAs(http.MethodGet, "/api/v1/message/online", "user-1"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(http.MethodGet, "/api/v1/message/online", "user-1"))

	resp := w.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || retryAfter != 2 {
		t.Errorf("Retry-After = %q, want %q", resp.Header.Get("Retry-After"), "2")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != model.ErrCodeRateLimited {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeRateLimited)
	}
	if calls != 1 {
		t.Errorf("handler call count = %d, want 1", calls)
	}
}

func TestRateLimitMiddleware_IsolatesUserRateLimits(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.GeneralBurst = 1
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	calls := 0
	handler := rl.GeneralMiddleware()(okHandler(&calls))

	for _, user := range []string{"user-a", "user-b", "user-c"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(http.MethodGet, "/api/v1/message/online", user))
		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("%s: status = %d, want %d", user, w.Result().StatusCode, http.StatusOK)
		}
	}
	if rl.GeneralLimiterCount() != 3 {
		t.Errorf("GeneralLimiterCount = %d, want 3", rl.GeneralLimiterCount())
	}
}

func TestRateLimitMiddleware_NoUserID_Returns401(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	calls := 0
	handler := rl.GeneralMiddleware()(okHandler(&calls))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(http.MethodGet, "/api/v1/message/online", ""))

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
	if calls != 0 {
		t.Error("handler should not be called")
	}
}

// --- メッセージ送信 ---

func TestSendRateLimit_Returns429WhenLimitExceeded(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	calls := 0
	handler := rl.SendMiddleware()(okHandler(&calls))

	statuses := make([]int, 3)
	for i := range statuses {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(http.MethodPost, "/api/v1/message/send/user-2", "user-1"))
		statuses[i] = w.Result().StatusCode
	}

	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK {
		t.Errorf("first two sends = %v, want 200", statuses[:2])
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Errorf("third send = %d, want %d", statuses[2], http.StatusTooManyRequests)
	}
	if rl.SendLimiterCount() != 1 {
		t.Errorf("SendLimiterCount = %d, want 1", rl.SendLimiterCount())
	}
}

// 送信の制限に達しても、API全般の制限は消費されていない。
func TestSendRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	sendCalls, generalCalls := 0, 0
	send := rl.SendMiddleware()(okHandler(&sendCalls))
	general := rl.GeneralMiddleware()(okHandler(&generalCalls))

	for i := 0; i < 3; i++ {
		send.ServeHTTP(httptest.NewRecorder(), requestAs(http.MethodPost, "/api/v1/message/send/user-2", "user-1"))
	}

	w := httptest.NewRecorder()
	general.ServeHTTP(w, requestAs(http.MethodGet, "/api/v1/message/all/user-2", "user-1"))
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("general status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if sendCalls != 2 || generalCalls != 1 {
		t.Errorf("calls = send:%d general:%d, want send:2 general:1", sendCalls, generalCalls)
	}
}

// --- クリーンアップ ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.CleanupInterval = 50 * time.Millisecond
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	calls := 0
	rl.GeneralMiddleware()(okHandler(&calls)).ServeHTTP(httptest.NewRecorder(),
		requestAs(http.MethodGet, "/api/v1/message/online", "user-cleanup"))
	rl.SendMiddleware()(okHandler(&calls)).ServeHTTP(httptest.NewRecorder(),
		requestAs(http.MethodPost, "/api/v1/message/send/user-2", "user-cleanup"))

	if rl.GeneralLimiterCount() != 1 || rl.SendLimiterCount() != 1 {
		t.Fatal("expected one limiter entry of each kind")
	}

	// TTLはCleanupIntervalの2倍（100ms）
	time.Sleep(250 * time.Millisecond)

	if count := rl.GeneralLimiterCount(); count != 0 {
		t.Errorf("general entries after cleanup = %d, want 0", count)
	}
	if count := rl.SendLimiterCount(); count != 0 {
		t.Errorf("send entries after cleanup = %d, want 0", count)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

// --- ミドルウェアチェーン ---

func TestRateLimitMiddleware_InChainWithSessionAndCORS(t *testing.T) {
	repo := &mockSessionRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			if id == "rate-limit-session" {
				return &model.Session{
					ID:        "rate-limit-session",
					UserID:    "user-rate-chain",
					ExpiresAt: time.Now().Add(1 * time.Hour),
				}, nil
			}
			return nil, nil
		},
	}

	cfg := testRateLimiterConfig()
	cfg.GeneralBurst = 2
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	// CORS -> Session -> RateLimit -> Handler
	handler := NewCORSMiddleware("http://localhost:3000")(
		NewSessionMiddleware(repo)(
			rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				userID, _ := UserIDFromContext(r.Context())
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(map[string]string{"user_id": userID})
			}))))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/message/online", nil)
		req.AddCookie(&http.Cookie{Name: "session_id", Value: "rate-limit-session"})
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		want := http.StatusOK
		if i == 2 {
			want = http.StatusTooManyRequests
		}
		if w.Result().StatusCode != want {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, want)
		}
	}
}

// --- 設定 ---

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2.0 {
		t.Errorf("GeneralRate = %f, want 2.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.SendRate != 1.0 {
		t.Errorf("SendRate = %f, want 1.0", cfg.SendRate)
	}
	if cfg.SendBurst != 60 {
		t.Errorf("SendBurst = %d, want 60", cfg.SendBurst)
	}
}
