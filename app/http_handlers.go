package app

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"example/manga-api/app/download"
	"example/manga-api/app/logging"
	"example/manga-api/app/models"
	"example/manga-api/app/quota"
	"example/manga-api/app/store"
)

// unlimitedLabel is what the stats endpoint reports as a premium limit.
const unlimitedLabel = "∞"

func respondError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, models.ErrorResponse{Success: false, Message: message})
}

func limitValue(limit int) any {
	if limit == quota.Unlimited {
		return unlimitedLabel
	}
	return limit
}

// Download streams a chapter as a PDF. Admission is decided before any
// image is fetched; usage is recorded only once the whole document has
// been written to the client.
func (s *Server) Download(c *gin.Context) {
	ctx := c.Request.Context()
	slug, chapter := c.Param("slug"), c.Param("chapter")

	sess, err := s.downloads.Begin(ctx, s.identity(c), slug, chapter)
	if err != nil {
		var denied *download.DeniedError
		switch {
		case errors.As(err, &denied):
			respondError(c, denied.Status(), denied.Error())
		case download.IsNotFound(err):
			respondError(c, http.StatusNotFound, "chapter not found")
		default:
			logging.Ctx(ctx).Error().Err(err).Str("manga", slug).Str("chapter", chapter).Msg("download admission failed")
			respondError(c, http.StatusInternalServerError, "download unavailable")
		}
		return
	}

	c.Header("Content-Type", "application/pdf")
	c.Header("Content-Disposition", `attachment; filename="`+sess.Filename()+`"`)
	c.Header("Cache-Control", "no-store")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	// The response is already committed; an abandoned stream is logged by
	// the pipeline and the connection is simply closed.
	_ = s.downloads.Stream(ctx, sess, c.Writer)
}

// Stats reports the caller's bucket and counters. It never fails: any
// lookup problem degrades to an empty guest view.
func (s *Server) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	usage, err := s.classifier.Usage(ctx, s.identity(c))
	if err != nil {
		if !errors.Is(err, quota.ErrAccountNotFound) {
			logging.Ctx(ctx).Warn().Err(err).Msg("stats lookup failed")
		}
		usage = quota.Usage{Type: quota.UsageType(quota.BucketGuest), Usage: 0, Limit: s.classifier.Policy.GuestLimit}
	}
	c.JSON(http.StatusOK, gin.H{
		"type":  usage.Type,
		"usage": usage.Usage,
		"limit": limitValue(usage.Limit),
	})
}

// ListManga returns one page of the catalog.
func (s *Server) ListManga(c *gin.Context) {
	page, err := intQuery(c, "page", 1)
	if err != nil {
		respondError(c, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	limit, err := intQuery(c, "limit", store.DefaultPageLimit)
	if err != nil {
		respondError(c, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	sort := models.MangaSort(c.DefaultQuery("sort", string(models.SortLatest)))
	switch sort {
	case models.SortLatest, models.SortPopular, models.SortTitle:
	default:
		respondError(c, http.StatusBadRequest, "sort must be latest, popular or title")
		return
	}

	result, err := s.store.ListManga(c.Request.Context(), models.MangaQuery{
		Search: c.Query("q"),
		Sort:   sort,
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		s.catalogError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetManga returns a manga with its chapter list.
func (s *Server) GetManga(c *gin.Context) {
	detail, err := s.store.MangaDetail(c.Request.Context(), c.Param("slug"))
	if err != nil {
		s.catalogError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// GetChapter returns the reader data of one chapter.
func (s *Server) GetChapter(c *gin.Context) {
	data, err := s.store.ReadingData(c.Request.Context(), c.Param("slug"), c.Param("chapter"))
	if err != nil {
		s.catalogError(c, err)
		return
	}
	c.JSON(http.StatusOK, data)
}

func (s *Server) catalogError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(c, http.StatusNotFound, "not found")
		return
	}
	if errors.Is(err, context.Canceled) {
		c.Abort()
		return
	}
	logging.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.FullPath()).Msg("catalog query failed")
	respondError(c, http.StatusInternalServerError, "catalog unavailable")
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}
