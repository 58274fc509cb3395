package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/stretchr/testify/require"

	"example/manga-api/app/assets"
	"example/manga-api/app/models"
	"example/manga-api/app/quota"
)

const testDay = "2026-10-14"

type ledger struct {
	mu         sync.Mutex
	accounts   map[string]*models.Account // by subject
	popularity map[string]int
	failUsage  error
	failPop    error
}

func newLedger(accounts ...models.Account) *ledger {
	l := &ledger{accounts: map[string]*models.Account{}, popularity: map[string]int{}}
	for i := range accounts {
		a := accounts[i]
		l.accounts[a.Subject] = &a
	}
	return l
}

func (l *ledger) AccountBySubject(_ context.Context, subject string) (models.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[subject]
	if !ok {
		return models.Account{}, quota.ErrAccountNotFound
	}
	return *a, nil
}

func (l *ledger) IncrementDailyDownloads(_ context.Context, accountID, period string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failUsage != nil {
		return l.failUsage
	}
	for _, a := range l.accounts {
		if a.ID != accountID {
			continue
		}
		if a.UsagePeriod != period && !quota.StalePeriod(period, a.UsagePeriod) {
			a.UsagePeriod, a.DailyDownloadCount = period, 0
		}
		a.DailyDownloadCount++
		return nil
	}
	return quota.ErrAccountNotFound
}

func (l *ledger) IncrementMangaDownloads(_ context.Context, mangaID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failPop != nil {
		return l.failPop
	}
	l.popularity[mangaID]++
	return nil
}

func (l *ledger) count(subject string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accounts[subject].DailyDownloadCount
}

func (l *ledger) downloads(mangaID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.popularity[mangaID]
}

type catalog struct {
	manga    models.Manga
	chapters map[string]models.Chapter
}

func (c *catalog) MangaBySlug(_ context.Context, slug string) (models.Manga, error) {
	if slug != c.manga.Slug {
		return models.Manga{}, models.ErrNotFound
	}
	return c.manga, nil
}

func (c *catalog) ChapterBySlug(_ context.Context, mangaID, slug string) (models.Chapter, error) {
	ch, ok := c.chapters[slug]
	if !ok || mangaID != c.manga.ID {
		return models.Chapter{}, models.ErrNotFound
	}
	return ch, nil
}

// images serves "img-N" as the bytes of N; listed indices fail to fetch,
// and "bad" payloads fail to transcode.
type images struct {
	calls   atomic.Int32
	fail    map[int]bool
	corrupt map[int]bool
	block   map[int]chan struct{}
	delay   func(i int) time.Duration
}

func (s *images) Fetch(ctx context.Context, url string) ([]byte, error) {
	s.calls.Add(1)
	i, err := strconv.Atoi(strings.TrimPrefix(url, "img-"))
	if err != nil {
		return nil, err
	}
	if ch, ok := s.block[i]; ok {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.delay != nil {
		select {
		case <-time.After(s.delay(i)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fail[i] {
		return nil, &assets.FetchError{URL: url, Status: 404}
	}
	if s.corrupt[i] {
		return []byte("bad"), nil
	}
	return []byte(strconv.Itoa(i)), nil
}

// transcoder turns payload N into a (100+N) x 200 page so order is visible
// in the MediaBox of each page.
type transcoder struct{}

func (transcoder) Transcode(data []byte) (assets.Image, error) {
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return assets.Image{}, &assets.TranscodeError{Err: errors.New("unsupported")}
	}
	return assets.Image{JPEG: []byte{0xff, 0xd8, byte(n), 0xff, 0xd9}, Width: 100 + n, Height: 200}, nil
}

func urls(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("img-%d", i)
	}
	return out
}

// clock is the policy clock shared by admission and commit.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type harness struct {
	svc     *Service
	ledger  *ledger
	guests  *quota.MemoryGuestCounter
	images  *images
	catalog *catalog
	clock   *clock
}

func newHarness(t *testing.T, workers int, pages int, accounts ...models.Account) *harness {
	t.Helper()
	l := newLedger(accounts...)
	guests := quota.NewMemoryGuestCounter()
	clk := &clock{now: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)}
	policy := quota.DefaultPolicy()
	policy.Now = clk.Now

	cat := &catalog{
		manga: models.Manga{ID: "m1", Slug: "one-piece", Title: "One Piece: Reborn!"},
		chapters: map[string]models.Chapter{
			"ch-1": {ID: "c1", MangaID: "m1", Slug: "ch-1", Index: 1, ImageURLs: urls(pages)},
		},
	}
	imgs := &images{fail: map[int]bool{}, corrupt: map[int]bool{}, block: map[int]chan struct{}{}}
	svc := NewService(Config{
		Classifier: quota.NewClassifier(l, guests, policy),
		Catalog:    cat,
		Images:     imgs,
		Transcoder: transcoder{},
		Committer:  &Committer{Accounts: l, Guests: guests, Popularity: l},
		Workers:    workers,
	})
	return &harness{svc: svc, ledger: l, guests: guests, images: imgs, catalog: cat, clock: clk}
}

func (h *harness) download(ctx context.Context, id quota.Identity) (*Session, []byte, error) {
	sess, err := h.svc.Begin(ctx, id, "one-piece", "ch-1")
	if err != nil {
		return nil, nil, err
	}
	var buf bytes.Buffer
	err = h.svc.Stream(ctx, sess, &buf)
	return sess, buf.Bytes(), err
}

func pageWidths(t *testing.T, doc []byte) []int64 {
	t.Helper()
	r, err := pdf.NewReader(bytes.NewReader(doc), int64(len(doc)))
	require.NoError(t, err)
	out := make([]int64, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		out = append(out, r.Page(i).V.Key("MediaBox").Index(2).Int64())
	}
	return out
}
