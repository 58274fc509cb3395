// Package store persists accounts and the manga catalog, in Postgres or in
// process memory.
package store

import (
	"context"
	"strings"

	"example/manga-api/app/models"
	"example/manga-api/app/quota"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 50
)

// ErrNotFound is the catalog miss sentinel shared with the download pipeline.
var ErrNotFound = models.ErrNotFound

// Store is everything the HTTP layer needs from persistence.
type Store interface {
	quota.AccountStore

	// UpsertFromClaims creates the account on first login and refreshes its
	// profile fields afterwards. Empty email or name leave stored values.
	UpsertFromClaims(ctx context.Context, subject, email, name string) error
	// SetPremiumByEmail flags the account with that email (case-insensitive)
	// as premium and links the billing customer when one is given.
	SetPremiumByEmail(ctx context.Context, email, customerID string) error
	SetPremiumByStripeCustomer(ctx context.Context, customerID string, premium bool) error
	StripeCustomerID(ctx context.Context, subject string) (string, error)
	SetStripeCustomerID(ctx context.Context, subject, customerID string) error

	MangaBySlug(ctx context.Context, slug string) (models.Manga, error)
	ChapterBySlug(ctx context.Context, mangaID, chapterSlug string) (models.Chapter, error)
	IncrementMangaDownloads(ctx context.Context, mangaID string) error
	ListManga(ctx context.Context, q models.MangaQuery) (models.MangaPage, error)
	MangaDetail(ctx context.Context, slug string) (models.MangaDetail, error)
	ReadingData(ctx context.Context, mangaSlug, chapterSlug string) (models.ReadingData, error)

	PutManga(ctx context.Context, m models.Manga) (models.Manga, error)
	PutChapter(ctx context.Context, ch models.Chapter) (models.Chapter, error)
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)

// NormalizeQuery clamps paging and defaults the sort order.
func NormalizeQuery(q models.MangaQuery) models.MangaQuery {
	q.Search = strings.TrimSpace(q.Search)
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	switch q.Sort {
	case models.SortLatest, models.SortPopular, models.SortTitle:
	default:
		q.Sort = models.SortLatest
	}
	return q
}

func newPage(q models.MangaQuery, items []models.Manga, total int) models.MangaPage {
	if items == nil {
		items = []models.Manga{}
	}
	return models.MangaPage{
		Items:      items,
		Page:       q.Page,
		Limit:      q.Limit,
		Total:      total,
		TotalPages: (total + q.Limit - 1) / q.Limit,
	}
}

func summarize(chapters []models.Chapter) []models.ChapterSummary {
	out := make([]models.ChapterSummary, 0, len(chapters))
	for _, ch := range chapters {
		out = append(out, models.ChapterSummary{
			Slug:      ch.Slug,
			Index:     ch.Index,
			Title:     ch.Title,
			Pages:     len(ch.ImageURLs),
			CreatedAt: ch.CreatedAt,
		})
	}
	return out
}

// reading builds reader data from chapters sorted by index.
func reading(m models.Manga, chapters []models.Chapter, chapterSlug string) (models.ReadingData, error) {
	for i, ch := range chapters {
		if ch.Slug != chapterSlug {
			continue
		}
		rd := models.ReadingData{
			MangaSlug:    m.Slug,
			MangaTitle:   m.Title,
			ChapterSlug:  ch.Slug,
			ChapterIndex: ch.Index,
			Title:        ch.Title,
			ImageURLs:    ch.ImageURLs,
		}
		if i > 0 {
			rd.Prev = chapters[i-1].Slug
		}
		if i < len(chapters)-1 {
			rd.Next = chapters[i+1].Slug
		}
		if rd.ImageURLs == nil {
			rd.ImageURLs = []string{}
		}
		return rd, nil
	}
	return models.ReadingData{}, ErrNotFound
}
