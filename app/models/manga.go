package models

import (
	"strconv"
	"time"
)

// Manga is a catalog entry (the content unit a chapter belongs to).
type Manga struct {
	ID            string    `json:"id"`
	Slug          string    `json:"slug"`
	Title         string    `json:"title"`
	AltTitles     []string  `json:"altTitles,omitempty"`
	Author        string    `json:"author,omitempty"`
	Genres        []string  `json:"genres"`
	Status        string    `json:"status,omitempty"`
	CoverURL      string    `json:"coverUrl,omitempty"`
	Description   string    `json:"description,omitempty"`
	DownloadCount int64     `json:"downloadCount"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Chapter holds the ordered page images of one chapter.
type Chapter struct {
	ID        string    `json:"id"`
	MangaID   string    `json:"mangaId"`
	Slug      string    `json:"slug"`
	Index     float64   `json:"chapterIndex"`
	Title     string    `json:"title,omitempty"`
	ImageURLs []string  `json:"imageUrls"`
	CreatedAt time.Time `json:"createdAt"`
}

// IndexLabel renders the chapter index without trailing zeros ("12", "12.5").
func (c Chapter) IndexLabel() string {
	return strconv.FormatFloat(c.Index, 'f', -1, 64)
}

// ChapterSummary is the chapter list entry shown on a manga page.
type ChapterSummary struct {
	Slug      string    `json:"slug"`
	Index     float64   `json:"chapterIndex"`
	Title     string    `json:"title,omitempty"`
	Pages     int       `json:"pages"`
	CreatedAt time.Time `json:"createdAt"`
}
