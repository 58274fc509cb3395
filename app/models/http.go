package models

// MangaSort selects the ordering of catalog listings.
type MangaSort string

const (
	SortLatest  MangaSort = "latest"
	SortPopular MangaSort = "popular"
	SortTitle   MangaSort = "title"
)

// MangaQuery is a paginated catalog listing request.
type MangaQuery struct {
	Search string
	Sort   MangaSort
	Page   int
	Limit  int
}

// MangaPage is one page of catalog results.
type MangaPage struct {
	Items      []Manga `json:"items"`
	Page       int     `json:"page"`
	Limit      int     `json:"limit"`
	Total      int     `json:"total"`
	TotalPages int     `json:"totalPages"`
}

// MangaDetail is a manga together with its chapter list.
type MangaDetail struct {
	Manga
	Chapters []ChapterSummary `json:"chapters"`
}

// ReadingData is what the reader needs to render one chapter.
type ReadingData struct {
	MangaSlug    string   `json:"mangaSlug"`
	MangaTitle   string   `json:"mangaTitle"`
	ChapterSlug  string   `json:"chapterSlug"`
	ChapterIndex float64  `json:"chapterIndex"`
	Title        string   `json:"title,omitempty"`
	ImageURLs    []string `json:"imageUrls"`
	Prev         string   `json:"prev,omitempty"`
	Next         string   `json:"next,omitempty"`
}

// ErrorResponse is the body of every rejected API call.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
