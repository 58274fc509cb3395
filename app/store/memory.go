package store

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"example/manga-api/app/models"
	"example/manga-api/app/quota"
)

// Memory keeps everything in process. It backs local development without
// Postgres and the handler tests.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]*models.Account  // by subject
	manga    map[string]*models.Manga    // by slug
	chapters map[string][]models.Chapter // by manga id, sorted by index
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*models.Account),
		manga:    make(map[string]*models.Manga),
		chapters: make(map[string][]models.Chapter),
		now:      time.Now,
	}
}

func (m *Memory) AccountBySubject(_ context.Context, subject string) (models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[subject]
	if !ok {
		return models.Account{}, quota.ErrAccountNotFound
	}
	return *a, nil
}

func (m *Memory) IncrementDailyDownloads(_ context.Context, accountID, period string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accountByID(accountID)
	if a == nil {
		return quota.ErrAccountNotFound
	}
	if a.UsagePeriod != period && !quota.StalePeriod(period, a.UsagePeriod) {
		a.UsagePeriod = period
		a.DailyDownloadCount = 0
	}
	a.DailyDownloadCount++
	return nil
}

func (m *Memory) accountByID(id string) *models.Account {
	for _, a := range m.accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (m *Memory) UpsertFromClaims(_ context.Context, subject, email, name string) error {
	if subject == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[subject]
	if !ok {
		a = &models.Account{ID: uuid.NewString(), Subject: subject, CreatedAt: m.now()}
		m.accounts[subject] = a
	}
	if email != "" {
		a.Email = email
	}
	if name != "" {
		a.Name = name
	}
	return nil
}

// PutAccount stores a full account record, replacing any with the same subject.
func (m *Memory) PutAccount(_ context.Context, a models.Account) (models.Account, error) {
	if a.Subject == "" {
		return models.Account{}, errors.New("account subject is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}
	m.accounts[a.Subject] = &a
	return a, nil
}

func (m *Memory) SetPremiumByEmail(_ context.Context, email, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, a := range m.accounts {
		if a.Email != "" && strings.EqualFold(a.Email, email) {
			a.Premium = true
			if customerID != "" {
				a.StripeCustomerID = customerID
			}
			found = true
		}
	}
	if !found {
		return quota.ErrAccountNotFound
	}
	return nil
}

func (m *Memory) SetPremiumByStripeCustomer(_ context.Context, customerID string, premium bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if customerID != "" && a.StripeCustomerID == customerID {
			a.Premium = premium
			return nil
		}
	}
	return quota.ErrAccountNotFound
}

func (m *Memory) StripeCustomerID(_ context.Context, subject string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[subject]
	if !ok {
		return "", quota.ErrAccountNotFound
	}
	return a.StripeCustomerID, nil
}

func (m *Memory) SetStripeCustomerID(_ context.Context, subject, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[subject]
	if !ok {
		return quota.ErrAccountNotFound
	}
	a.StripeCustomerID = customerID
	return nil
}

func (m *Memory) MangaBySlug(_ context.Context, slug string) (models.Manga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mg, ok := m.manga[slug]
	if !ok {
		return models.Manga{}, ErrNotFound
	}
	return *mg, nil
}

func (m *Memory) ChapterBySlug(_ context.Context, mangaID, chapterSlug string) (models.Chapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.chapters[mangaID] {
		if ch.Slug == chapterSlug {
			return ch, nil
		}
	}
	return models.Chapter{}, ErrNotFound
}

func (m *Memory) IncrementMangaDownloads(_ context.Context, mangaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mg := range m.manga {
		if mg.ID == mangaID {
			mg.DownloadCount++
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) ListManga(_ context.Context, q models.MangaQuery) (models.MangaPage, error) {
	q = NormalizeQuery(q)
	needle := strings.ToLower(q.Search)

	m.mu.RLock()
	var all []models.Manga
	for _, mg := range m.manga {
		if needle == "" || matches(mg, needle) {
			all = append(all, *mg)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		switch q.Sort {
		case models.SortPopular:
			if a.DownloadCount != b.DownloadCount {
				return a.DownloadCount > b.DownloadCount
			}
			return a.Title < b.Title
		case models.SortTitle:
			if la, lb := strings.ToLower(a.Title), strings.ToLower(b.Title); la != lb {
				return la < lb
			}
			return a.ID < b.ID
		default:
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.After(b.UpdatedAt)
			}
			return a.ID < b.ID
		}
	})

	start := (q.Page - 1) * q.Limit
	end := min(start+q.Limit, len(all))
	var items []models.Manga
	if start < len(all) {
		items = all[start:end]
	}
	return newPage(q, items, len(all)), nil
}

func matches(mg *models.Manga, needle string) bool {
	if strings.Contains(strings.ToLower(mg.Title), needle) {
		return true
	}
	return slices.ContainsFunc(mg.AltTitles, func(alt string) bool {
		return strings.Contains(strings.ToLower(alt), needle)
	})
}

func (m *Memory) MangaDetail(_ context.Context, slug string) (models.MangaDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mg, ok := m.manga[slug]
	if !ok {
		return models.MangaDetail{}, ErrNotFound
	}
	return models.MangaDetail{Manga: *mg, Chapters: summarize(m.chapters[mg.ID])}, nil
}

func (m *Memory) ReadingData(_ context.Context, mangaSlug, chapterSlug string) (models.ReadingData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mg, ok := m.manga[mangaSlug]
	if !ok {
		return models.ReadingData{}, ErrNotFound
	}
	return reading(*mg, m.chapters[mg.ID], chapterSlug)
}

func (m *Memory) PutManga(_ context.Context, mg models.Manga) (models.Manga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if existing, ok := m.manga[mg.Slug]; ok {
		mg.ID = existing.ID
		mg.DownloadCount = existing.DownloadCount
		mg.CreatedAt = existing.CreatedAt
	} else {
		mg.ID = uuid.NewString()
		mg.CreatedAt = now
	}
	mg.AltTitles = nonNil(mg.AltTitles)
	mg.Genres = nonNil(mg.Genres)
	mg.UpdatedAt = now
	m.manga[mg.Slug] = &mg
	return mg, nil
}

func (m *Memory) PutChapter(_ context.Context, ch models.Chapter) (models.Chapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var parent *models.Manga
	for _, mg := range m.manga {
		if mg.ID == ch.MangaID {
			parent = mg
			break
		}
	}
	if parent == nil {
		return models.Chapter{}, ErrNotFound
	}

	now := m.now()
	ch.ImageURLs = nonNil(ch.ImageURLs)
	list := m.chapters[ch.MangaID]
	replaced := false
	for i := range list {
		if list[i].Slug == ch.Slug {
			ch.ID, ch.CreatedAt = list[i].ID, list[i].CreatedAt
			list[i] = ch
			replaced = true
			break
		}
	}
	if !replaced {
		ch.ID = uuid.NewString()
		ch.CreatedAt = now
		list = append(list, ch)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Index != list[j].Index {
			return list[i].Index < list[j].Index
		}
		return list[i].Slug < list[j].Slug
	})
	m.chapters[ch.MangaID] = list
	parent.UpdatedAt = now
	return ch, nil
}
