package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/ledongthuc/pdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example/manga-api/app/assets"
	"example/manga-api/app/config"
	"example/manga-api/app/download"
	"example/manga-api/app/models"
	"example/manga-api/app/quota"
	"example/manga-api/app/ratelimit"
	"example/manga-api/app/store"
	"example/manga-api/auth"
)

const today = "2026-10-14"

type testEnv struct {
	router *gin.Engine
	store  *store.Memory
	guests *quota.MemoryGuestCounter
	hits   *atomic.Int32
	manga  models.Manga
	cfg    *config.Config
}

type envOption func(*config.Config, *Deps)

func withAuthDisabled() envOption {
	return func(cfg *config.Config, _ *Deps) { cfg.Auth.Disabled = true }
}

func withLimiter(rps float64, burst int) envOption {
	return func(_ *config.Config, d *Deps) { d.Limiter = ratelimit.NewStore(rps, burst) }
}

func withBilling(b Billing) envOption {
	return func(_ *config.Config, d *Deps) { d.Billing = b }
}

func pagePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var hits atomic.Int32
	pages := map[string][]byte{
		"/1.png": pagePNG(t, 30, 40),
		"/2.png": pagePNG(t, 50, 20),
		"/3.png": pagePNG(t, 10, 10),
	}
	images := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(images.Close)

	ctx := context.Background()
	mem := store.NewMemory()
	m, err := mem.PutManga(ctx, models.Manga{Slug: "berserk", Title: "Berserk: Deluxe"})
	require.NoError(t, err)
	_, err = mem.PutChapter(ctx, models.Chapter{
		MangaID: m.ID,
		Slug:    "chapter-1",
		Index:   1,
		ImageURLs: []string{
			images.URL + "/1.png",
			images.URL + "/missing.png",
			images.URL + "/2.png",
			images.URL + "/3.png",
		},
	})
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Server.GinMode = gin.TestMode
	cfg.Server.TrustProxyHeaders = true
	cfg.Stripe.WebhookSecret = "whsec_test"

	guests := quota.NewMemoryGuestCounter()
	policy := quota.DefaultPolicy()
	policy.Now = func() time.Time { return time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC) }
	classifier := quota.NewClassifier(mem, guests, policy)

	deps := Deps{
		Config:     cfg,
		Store:      mem,
		Classifier: classifier,
		Downloads: download.NewService(download.Config{
			Classifier: classifier,
			Catalog:    mem,
			Images:     assets.NewFetcher(assets.FetcherConfig{Timeout: 2 * time.Second, UserAgent: "test"}),
			Transcoder: assets.NewTranscoder(assets.DefaultQuality),
			Committer:  &download.Committer{Accounts: mem, Guests: guests, Popularity: mem},
			Workers:    2,
		}),
	}
	for _, opt := range opts {
		opt(cfg, &deps)
	}

	return &testEnv{router: NewRouter(deps), store: mem, guests: guests, hits: &hits, manga: m, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.RemoteAddr = "192.0.2.10:5555"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func (e *testEnv) putAccount(t *testing.T, a models.Account) {
	t.Helper()
	_, err := e.store.PutAccount(context.Background(), a)
	require.NoError(t, err)
}

func decode(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out), resp.Body.String())
	return out
}

func TestDownloadStreamsPDFAndCountsGuest(t *testing.T) {
	env := newTestEnv(t)
	xff := map[string]string{"X-Forwarded-For": "203.0.113.5, 70.41.3.18"}

	resp := env.do(t, http.MethodGet, "/download/berserk/chapter-1", nil, xff)

	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, "application/pdf", resp.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="Berserk--Deluxe-Ch1.pdf"`, resp.Header().Get("Content-Disposition"))

	doc := resp.Body.Bytes()
	r, err := pdf.NewReader(bytes.NewReader(doc), int64(len(doc)))
	require.NoError(t, err)
	require.Equal(t, 3, r.NumPage(), "missing image is skipped without a placeholder")
	want := [][2]int64{{30, 40}, {50, 20}, {10, 10}}
	for i, size := range want {
		box := r.Page(i + 1).V.Key("MediaBox")
		assert.Equal(t, size[0], box.Index(2).Int64(), "page %d width", i+1)
		assert.Equal(t, size[1], box.Index(3).Int64(), "page %d height", i+1)
	}

	n, err := env.guests.GuestCount(context.Background(), today, "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	m, _ := env.store.MangaBySlug(context.Background(), "berserk")
	assert.EqualValues(t, 1, m.DownloadCount)
}

func TestDownloadGuestLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 9; i++ {
		require.NoError(t, env.guests.IncrementGuest(ctx, today, "203.0.113.5"))
	}

	resp := env.do(t, http.MethodGet, "/download/berserk/chapter-1", nil, map[string]string{"X-Forwarded-For": "203.0.113.5"})
	require.Equal(t, http.StatusOK, resp.Code)
	n, _ := env.guests.GuestCount(ctx, today, "203.0.113.5")
	assert.Equal(t, 10, n)

	hitsBefore := env.hits.Load()
	resp = env.do(t, http.MethodGet, "/download/berserk/chapter-1", nil, map[string]string{"X-Forwarded-For": " 203.0.113.5 , 10.0.0.1"})
	require.Equal(t, http.StatusForbidden, resp.Code)
	assert.Equal(t, map[string]any{"success": false, "message": "guest limit reached"}, decode(t, resp))
	assert.Equal(t, hitsBefore, env.hits.Load(), "denied download must not fetch images")
}

func TestDownloadRegisteredLimit(t *testing.T) {
	env := newTestEnv(t, withAuthDisabled())
	env.putAccount(t, models.Account{Subject: auth.LocalSubject, DailyDownloadCount: 49, UsagePeriod: today})

	resp := env.do(t, http.MethodGet, "/download/berserk/chapter-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	a, _ := env.store.AccountBySubject(context.Background(), auth.LocalSubject)
	assert.Equal(t, 50, a.DailyDownloadCount)

	resp = env.do(t, http.MethodGet, "/download/berserk/chapter-1", nil, nil)
	require.Equal(t, http.StatusForbidden, resp.Code)
	assert.Equal(t, "daily limit reached", decode(t, resp)["message"])
}

func TestDownloadUnknownChapter(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/download/berserk/chapter-9", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, false, decode(t, resp)["success"])

	n, _ := env.guests.GuestCount(context.Background(), today, "192.0.2.10")
	assert.Zero(t, n)
}

func TestDownloadThrottled(t *testing.T) {
	env := newTestEnv(t, withLimiter(0.1, 1))

	first := env.do(t, http.MethodGet, "/download/berserk/chapter-1", nil, nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := env.do(t, http.MethodGet, "/download/berserk/chapter-1", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "10", second.Header().Get("Retry-After"))

	n, _ := env.guests.GuestCount(context.Background(), today, "192.0.2.10")
	assert.Equal(t, 1, n, "throttled request never reaches the ledger")
}

func TestStatsGuest(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.guests.IncrementGuest(context.Background(), today, "192.0.2.10"))

	resp := env.do(t, http.MethodGet, "/stats", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, map[string]any{"type": "guest", "usage": float64(1), "limit": float64(10)}, decode(t, resp))
}

func TestStatsPremium(t *testing.T) {
	env := newTestEnv(t, withAuthDisabled())
	env.putAccount(t, models.Account{Subject: auth.LocalSubject, Premium: true})

	resp := env.do(t, http.MethodGet, "/stats", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	assert.Equal(t, "premium", body["type"])
	assert.Equal(t, "∞", body["limit"])
}

func TestStatsRegistered(t *testing.T) {
	env := newTestEnv(t, withAuthDisabled())
	env.putAccount(t, models.Account{Subject: auth.LocalSubject, DailyDownloadCount: 7, UsagePeriod: today})

	resp := env.do(t, http.MethodGet, "/stats", nil, nil)
	assert.Equal(t, map[string]any{"type": "user", "usage": float64(7), "limit": float64(50)}, decode(t, resp))
}

type brokenGuests struct{}

func (brokenGuests) GuestCount(context.Context, string, string) (int, error) {
	return 0, errors.New("redis: connection refused")
}
func (brokenGuests) IncrementGuest(context.Context, string, string) error { return nil }

func TestStatsFallsBackToGuestZero(t *testing.T) {
	env := newTestEnv(t)
	s := NewServer(Deps{
		Config:     env.cfg,
		Store:      env.store,
		Classifier: quota.NewClassifier(env.store, brokenGuests{}, quota.DefaultPolicy()),
	})
	router := gin.New()
	router.GET("/stats", s.Stats)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, map[string]any{"type": "guest", "usage": float64(0), "limit": float64(10)}, decode(t, resp))
}

func TestCatalogEndpoints(t *testing.T) {
	env := newTestEnv(t)

	list := env.do(t, http.MethodGet, "/manga?sort=popular&limit=5", nil, nil)
	require.Equal(t, http.StatusOK, list.Code)
	var page models.MangaPage
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, "berserk", page.Items[0].Slug)

	bad := env.do(t, http.MethodGet, "/manga?sort=random", nil, nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	badPage := env.do(t, http.MethodGet, "/manga?page=zero", nil, nil)
	assert.Equal(t, http.StatusBadRequest, badPage.Code)

	detail := env.do(t, http.MethodGet, "/manga/berserk", nil, nil)
	require.Equal(t, http.StatusOK, detail.Code)
	var md models.MangaDetail
	require.NoError(t, json.Unmarshal(detail.Body.Bytes(), &md))
	require.Len(t, md.Chapters, 1)
	assert.Equal(t, 4, md.Chapters[0].Pages)

	chapter := env.do(t, http.MethodGet, "/manga/berserk/chapter-1", nil, nil)
	require.Equal(t, http.StatusOK, chapter.Code)
	var rd models.ReadingData
	require.NoError(t, json.Unmarshal(chapter.Body.Bytes(), &rd))
	assert.Len(t, rd.ImageURLs, 4)
	assert.Empty(t, rd.Next)

	missing := env.do(t, http.MethodGet, "/manga/vagabond", nil, nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil, nil).Code)
	env.do(t, http.MethodGet, "/download/berserk/chapter-1", nil, nil)

	metrics := env.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "manga_downloads_total")
	assert.Contains(t, metrics.Body.String(), "manga_image_failures_total")
}

func TestMeRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/me", nil, nil).Code)
}

func TestMeCreatesAccount(t *testing.T) {
	env := newTestEnv(t, withAuthDisabled())

	resp := env.do(t, http.MethodGet, "/me", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	assert.Equal(t, string(models.PlanFree), body["plan"])
	assert.Equal(t, float64(0), body["usage"])
	assert.Equal(t, float64(50), body["limit"])
}

type fakeBilling struct {
	created int
}

func (f *fakeBilling) CreateCustomer(_ context.Context, subject, _ string) (string, error) {
	f.created++
	return "cus_" + subject, nil
}

func (f *fakeBilling) CheckoutURL(_ context.Context, customerID string) (string, error) {
	return "https://checkout.example/" + customerID, nil
}

func (f *fakeBilling) PortalURL(_ context.Context, customerID string) (string, error) {
	return "https://portal.example/" + customerID, nil
}

func TestCheckoutLinksCustomerOnce(t *testing.T) {
	billing := &fakeBilling{}
	env := newTestEnv(t, withAuthDisabled(), withBilling(billing))

	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodPost, "/api/billing/create-checkout-session", nil, nil)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "https://checkout.example/cus_local-dev", decode(t, resp)["url"])
	}
	assert.Equal(t, 1, billing.created)

	portal := env.do(t, http.MethodPost, "/api/billing/portal-session", nil, nil)
	require.Equal(t, http.StatusOK, portal.Code)
	assert.Equal(t, "https://portal.example/cus_local-dev", decode(t, portal)["url"])
}

func TestPortalWithoutCustomer(t *testing.T) {
	env := newTestEnv(t, withAuthDisabled(), withBilling(&fakeBilling{}))
	env.do(t, http.MethodGet, "/me", nil, nil)

	resp := env.do(t, http.MethodPost, "/api/billing/portal-session", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestClientAddressIgnoresForwardedWhenUntrusted(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Server.TrustProxyHeaders = false

	env.do(t, http.MethodGet, "/download/berserk/chapter-1", nil, map[string]string{"X-Forwarded-For": "203.0.113.5"})

	n, _ := env.guests.GuestCount(context.Background(), today, "192.0.2.10")
	assert.Equal(t, 1, n)
	n, _ = env.guests.GuestCount(context.Background(), today, "203.0.113.5")
	assert.Zero(t, n)
}

func TestDownloadPopularityCountsEveryGuest(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		resp := env.do(t, http.MethodGet, "/download/berserk/chapter-1", nil, map[string]string{"X-Forwarded-For": fmt.Sprintf("198.51.100.%d", i)})
		require.Equal(t, http.StatusOK, resp.Code)
	}
	m, _ := env.store.MangaBySlug(context.Background(), "berserk")
	assert.EqualValues(t, 3, m.DownloadCount)
}
