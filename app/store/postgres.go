package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"example/manga-api/app/models"
	"example/manga-api/app/quota"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id                   UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	auth_sub             TEXT NOT NULL UNIQUE,
	email                TEXT,
	name                 TEXT,
	is_premium           BOOLEAN NOT NULL DEFAULT false,
	daily_download_count INTEGER NOT NULL DEFAULT 0,
	usage_period         TEXT NOT NULL DEFAULT '',
	stripe_customer_id   TEXT UNIQUE,
	last_login           TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS accounts_email_idx ON accounts (lower(email));

CREATE TABLE IF NOT EXISTS manga (
	id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	slug           TEXT NOT NULL UNIQUE,
	title          TEXT NOT NULL,
	alt_titles     TEXT[] NOT NULL DEFAULT '{}',
	author         TEXT NOT NULL DEFAULT '',
	genres         TEXT[] NOT NULL DEFAULT '{}',
	status         TEXT NOT NULL DEFAULT '',
	cover_url      TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	download_count BIGINT NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chapters (
	id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	manga_id      UUID NOT NULL REFERENCES manga(id) ON DELETE CASCADE,
	slug          TEXT NOT NULL,
	chapter_index DOUBLE PRECISION NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	image_urls    TEXT[] NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (manga_id, slug)
);
CREATE INDEX IF NOT EXISTS chapters_manga_index_idx ON chapters (manga_id, chapter_index);
`

// Postgres is the production store.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates missing tables. It is safe to run on every start.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const accountColumns = `id, auth_sub, email, name, is_premium, daily_download_count, usage_period, stripe_customer_id, created_at`

func scanAccount(row interface{ Scan(...any) error }) (models.Account, error) {
	var (
		a                       models.Account
		email, name, customerID sql.NullString
	)
	err := row.Scan(&a.ID, &a.Subject, &email, &name, &a.Premium, &a.DailyDownloadCount, &a.UsagePeriod, &customerID, &a.CreatedAt)
	if err != nil {
		return models.Account{}, err
	}
	a.Email, a.Name, a.StripeCustomerID = email.String, name.String, customerID.String
	return a, nil
}

func (p *Postgres) AccountBySubject(ctx context.Context, subject string) (models.Account, error) {
	a, err := scanAccount(p.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE auth_sub = $1;
	`, subject))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, quota.ErrAccountNotFound
	}
	return a, err
}

// IncrementDailyDownloads is one statement so concurrent commits never lose
// an update. A row from an earlier period restarts at 1; a stale period
// (older than the stored one) adds to the stored period and keeps it.
func (p *Postgres) IncrementDailyDownloads(ctx context.Context, accountID, period string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts
		SET
			daily_download_count = CASE
				WHEN usage_period = $2 THEN daily_download_count + 1
				WHEN $2 <> '' AND usage_period <> '' AND usage_period > $2 THEN daily_download_count + 1
				ELSE 1
			END,
			usage_period = CASE
				WHEN $2 <> '' AND usage_period <> '' AND usage_period > $2 THEN usage_period
				ELSE $2
			END
		WHERE id = $1;
	`, accountID, period)
	if err != nil {
		return err
	}
	return expectRow(res, quota.ErrAccountNotFound)
}

func (p *Postgres) UpsertFromClaims(ctx context.Context, subject, email, name string) error {
	if subject == "" {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (auth_sub, email, name, last_login)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (auth_sub) DO UPDATE SET
			email = COALESCE(EXCLUDED.email, accounts.email),
			name = COALESCE(EXCLUDED.name, accounts.name),
			last_login = now();
	`, subject, nullIfEmpty(email), nullIfEmpty(name))
	return err
}

func (p *Postgres) SetPremiumByEmail(ctx context.Context, email, customerID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts
		SET
			is_premium = true,
			stripe_customer_id = COALESCE($2, stripe_customer_id)
		WHERE lower(email) = lower($1);
	`, email, nullIfEmpty(customerID))
	if err != nil {
		return err
	}
	return expectRow(res, quota.ErrAccountNotFound)
}

func (p *Postgres) SetPremiumByStripeCustomer(ctx context.Context, customerID string, premium bool) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts
		SET is_premium = $2
		WHERE stripe_customer_id = $1;
	`, customerID, premium)
	if err != nil {
		return err
	}
	return expectRow(res, quota.ErrAccountNotFound)
}

func (p *Postgres) StripeCustomerID(ctx context.Context, subject string) (string, error) {
	var id sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT stripe_customer_id
		FROM accounts
		WHERE auth_sub = $1;
	`, subject).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", quota.ErrAccountNotFound
	}
	return id.String, err
}

func (p *Postgres) SetStripeCustomerID(ctx context.Context, subject, customerID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts
		SET stripe_customer_id = $2
		WHERE auth_sub = $1;
	`, subject, customerID)
	if err != nil {
		return err
	}
	return expectRow(res, quota.ErrAccountNotFound)
}

const mangaColumns = `id, slug, title, alt_titles, author, genres, status, cover_url, description, download_count, created_at, updated_at`

func scanManga(row interface{ Scan(...any) error }, extra ...any) (models.Manga, error) {
	var m models.Manga
	dest := []any{
		&m.ID, &m.Slug, &m.Title, pq.Array(&m.AltTitles), &m.Author, pq.Array(&m.Genres),
		&m.Status, &m.CoverURL, &m.Description, &m.DownloadCount, &m.CreatedAt, &m.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return models.Manga{}, err
	}
	return m, nil
}

func (p *Postgres) MangaBySlug(ctx context.Context, slug string) (models.Manga, error) {
	m, err := scanManga(p.db.QueryRowContext(ctx, `
		SELECT `+mangaColumns+`
		FROM manga
		WHERE slug = $1;
	`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Manga{}, ErrNotFound
	}
	return m, err
}

func (p *Postgres) ChapterBySlug(ctx context.Context, mangaID, chapterSlug string) (models.Chapter, error) {
	var ch models.Chapter
	err := p.db.QueryRowContext(ctx, `
		SELECT id, manga_id, slug, chapter_index, title, image_urls, created_at
		FROM chapters
		WHERE manga_id = $1 AND slug = $2;
	`, mangaID, chapterSlug).Scan(&ch.ID, &ch.MangaID, &ch.Slug, &ch.Index, &ch.Title, pq.Array(&ch.ImageURLs), &ch.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chapter{}, ErrNotFound
	}
	return ch, err
}

func (p *Postgres) IncrementMangaDownloads(ctx context.Context, mangaID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE manga
		SET download_count = download_count + 1
		WHERE id = $1;
	`, mangaID)
	if err != nil {
		return err
	}
	return expectRow(res, ErrNotFound)
}

var listOrder = map[models.MangaSort]string{
	models.SortLatest:  "updated_at DESC, id",
	models.SortPopular: "download_count DESC, title",
	models.SortTitle:   "lower(title), id",
}

func (p *Postgres) ListManga(ctx context.Context, q models.MangaQuery) (models.MangaPage, error) {
	q = NormalizeQuery(q)

	query := `
		SELECT ` + mangaColumns + `, COUNT(*) OVER () AS total
		FROM manga
		WHERE $1 = ''
		   OR title ILIKE '%' || $1 || '%' ESCAPE '\'
		   OR EXISTS (SELECT 1 FROM unnest(alt_titles) alt WHERE alt ILIKE '%' || $1 || '%' ESCAPE '\')
		ORDER BY ` + listOrder[q.Sort] + `
		LIMIT $2
		OFFSET $3;
	`
	rows, err := p.db.QueryContext(ctx, query, escapeLike(q.Search), q.Limit, (q.Page-1)*q.Limit)
	if err != nil {
		return models.MangaPage{}, err
	}
	defer rows.Close()

	var (
		items []models.Manga
		total int
	)
	for rows.Next() {
		m, err := scanManga(rows, &total)
		if err != nil {
			return models.MangaPage{}, err
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return models.MangaPage{}, err
	}
	if len(items) == 0 && q.Page > 1 {
		// past the last page: the window count is unavailable
		if err := p.db.QueryRowContext(ctx, `
			SELECT COUNT(*)
			FROM manga
			WHERE $1 = ''
			   OR title ILIKE '%' || $1 || '%' ESCAPE '\'
			   OR EXISTS (SELECT 1 FROM unnest(alt_titles) alt WHERE alt ILIKE '%' || $1 || '%' ESCAPE '\');
		`, escapeLike(q.Search)).Scan(&total); err != nil {
			return models.MangaPage{}, err
		}
	}
	return newPage(q, items, total), nil
}

func (p *Postgres) chapters(ctx context.Context, mangaID string) ([]models.Chapter, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, manga_id, slug, chapter_index, title, image_urls, created_at
		FROM chapters
		WHERE manga_id = $1
		ORDER BY chapter_index, slug;
	`, mangaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Chapter
	for rows.Next() {
		var ch models.Chapter
		if err := rows.Scan(&ch.ID, &ch.MangaID, &ch.Slug, &ch.Index, &ch.Title, pq.Array(&ch.ImageURLs), &ch.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (p *Postgres) MangaDetail(ctx context.Context, slug string) (models.MangaDetail, error) {
	m, err := p.MangaBySlug(ctx, slug)
	if err != nil {
		return models.MangaDetail{}, err
	}
	chs, err := p.chapters(ctx, m.ID)
	if err != nil {
		return models.MangaDetail{}, err
	}
	return models.MangaDetail{Manga: m, Chapters: summarize(chs)}, nil
}

func (p *Postgres) ReadingData(ctx context.Context, mangaSlug, chapterSlug string) (models.ReadingData, error) {
	m, err := p.MangaBySlug(ctx, mangaSlug)
	if err != nil {
		return models.ReadingData{}, err
	}
	chs, err := p.chapters(ctx, m.ID)
	if err != nil {
		return models.ReadingData{}, err
	}
	return reading(m, chs, chapterSlug)
}

func (p *Postgres) PutManga(ctx context.Context, m models.Manga) (models.Manga, error) {
	return scanManga(p.db.QueryRowContext(ctx, `
		INSERT INTO manga (slug, title, alt_titles, author, genres, status, cover_url, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (slug) DO UPDATE SET
			title = EXCLUDED.title,
			alt_titles = EXCLUDED.alt_titles,
			author = EXCLUDED.author,
			genres = EXCLUDED.genres,
			status = EXCLUDED.status,
			cover_url = EXCLUDED.cover_url,
			description = EXCLUDED.description,
			updated_at = now()
		RETURNING `+mangaColumns+`;
	`, m.Slug, m.Title, pq.Array(nonNil(m.AltTitles)), m.Author, pq.Array(nonNil(m.Genres)), m.Status, m.CoverURL, m.Description))
}

// PutChapter upserts a chapter and bumps the parent's updated_at so the
// latest sort follows new releases.
func (p *Postgres) PutChapter(ctx context.Context, ch models.Chapter) (models.Chapter, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return models.Chapter{}, err
	}
	defer tx.Rollback()

	var out models.Chapter
	err = tx.QueryRowContext(ctx, `
		INSERT INTO chapters (manga_id, slug, chapter_index, title, image_urls)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (manga_id, slug) DO UPDATE SET
			chapter_index = EXCLUDED.chapter_index,
			title = EXCLUDED.title,
			image_urls = EXCLUDED.image_urls
		RETURNING id, manga_id, slug, chapter_index, title, image_urls, created_at;
	`, ch.MangaID, ch.Slug, ch.Index, ch.Title, pq.Array(nonNil(ch.ImageURLs))).
		Scan(&out.ID, &out.MangaID, &out.Slug, &out.Index, &out.Title, pq.Array(&out.ImageURLs), &out.CreatedAt)
	if err != nil {
		return models.Chapter{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE manga SET updated_at = now() WHERE id = $1;`, ch.MangaID); err != nil {
		return models.Chapter{}, err
	}
	return out, tx.Commit()
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
