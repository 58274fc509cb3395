package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"example/manga-api/app/assets"
	"example/manga-api/app/logging"
	"example/manga-api/app/metrics"
	"example/manga-api/app/models"
	"example/manga-api/app/pdfstream"
	"example/manga-api/app/quota"
)

const (
	DefaultWorkers       = 4
	DefaultTimeout       = 5 * time.Minute
	DefaultCommitTimeout = 10 * time.Second
)

// Catalog resolves the content being downloaded. Lookups that match
// nothing return an error wrapping models.ErrNotFound.
type Catalog interface {
	MangaBySlug(ctx context.Context, slug string) (models.Manga, error)
	ChapterBySlug(ctx context.Context, mangaID, chapterSlug string) (models.Chapter, error)
}

type ImageSource interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type Transcoder interface {
	Transcode(data []byte) (assets.Image, error)
}

// DeniedError is returned by Begin when the classifier rejects the request.
type DeniedError struct {
	Admission quota.Admission
}

func (e *DeniedError) Error() string { return e.Admission.Reason }

// Status is the HTTP status to report for the denial.
func (e *DeniedError) Status() int { return e.Admission.Status }

type Config struct {
	Classifier *quota.Classifier
	Catalog    Catalog
	Images     ImageSource
	Transcoder Transcoder
	Committer  *Committer

	// Workers bounds concurrent fetch+transcode per download; 1 is sequential.
	Workers int
	// Timeout bounds the whole assembly; expiry abandons the stream.
	Timeout       time.Duration
	CommitTimeout time.Duration
}

type Service struct {
	classifier    *quota.Classifier
	catalog       Catalog
	images        ImageSource
	transcoder    Transcoder
	committer     *Committer
	workers       int
	timeout       time.Duration
	commitTimeout time.Duration
}

func NewService(cfg Config) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	if cfg.Committer != nil && cfg.Committer.Period == nil && cfg.Classifier != nil {
		cfg.Committer.Period = cfg.Classifier.Policy.Period
	}
	return &Service{
		classifier:    cfg.Classifier,
		catalog:       cfg.Catalog,
		images:        cfg.Images,
		transcoder:    cfg.Transcoder,
		committer:     cfg.Committer,
		workers:       cfg.Workers,
		timeout:       cfg.Timeout,
		commitTimeout: cfg.CommitTimeout,
	}
}

// Begin classifies the caller and resolves the chapter. No image work
// happens here; a denied caller gets a *DeniedError.
func (s *Service) Begin(ctx context.Context, id quota.Identity, mangaSlug, chapterSlug string) (*Session, error) {
	adm, err := s.classifier.Classify(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	if !adm.Allowed {
		metrics.Downloads.WithLabelValues(string(adm.Bucket), "denied").Inc()
		logging.Ctx(ctx).Info().
			Str("bucket", string(adm.Bucket)).
			Str("reason", adm.Reason).
			Int("usage", adm.Usage).
			Msg("download denied")
		return nil, &DeniedError{Admission: adm}
	}

	manga, err := s.catalog.MangaBySlug(ctx, mangaSlug)
	if err != nil {
		return nil, fmt.Errorf("manga %q: %w", mangaSlug, err)
	}
	chapter, err := s.catalog.ChapterBySlug(ctx, manga.ID, chapterSlug)
	if err != nil {
		return nil, fmt.Errorf("chapter %q of %q: %w", chapterSlug, mangaSlug, err)
	}
	return newSession(adm, manga, chapter), nil
}

// Stream writes the chapter PDF to sink and, only when the whole document
// reached the sink while the caller was still connected, commits usage.
// Any other outcome abandons the session and returns an error wrapping
// ErrAbandoned.
func (s *Service) Stream(ctx context.Context, sess *Session, sink io.Writer) error {
	if err := sess.advance(StateStreaming); err != nil {
		return err
	}
	log := logging.Ctx(ctx).With().Str("session", sess.ID).Str("manga", sess.Manga.Slug).Str("chapter", sess.Chapter.Slug).Logger()

	renderCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.assemble(renderCtx, sess, sink)
	cancel()
	if err == nil {
		err = ctx.Err()
	}

	bucket := string(sess.Admission.Bucket)
	written, skipped := sess.Pages()
	if err != nil {
		_ = sess.advance(StateAbandoned)
		metrics.Downloads.WithLabelValues(bucket, "abandoned").Inc()
		log.Warn().Err(err).Int("pages", written).Msg("download abandoned")
		return fmt.Errorf("%w: %w", ErrAbandoned, err)
	}

	if err := sess.advance(StateCompleted); err != nil {
		return err
	}
	metrics.Downloads.WithLabelValues(bucket, "completed").Inc()
	log.Info().Int("pages", written).Int("skipped", skipped).Dur("elapsed", time.Since(sess.StartedAt)).Msg("download completed")

	commitCtx, cancelCommit := context.WithTimeout(context.WithoutCancel(ctx), s.commitTimeout)
	defer cancelCommit()
	if err := s.committer.Commit(commitCtx, sess); err != nil {
		log.Warn().Err(err).Msg("usage commit incomplete")
	}
	return nil
}

func (s *Service) assemble(ctx context.Context, sess *Session, sink io.Writer) error {
	w, err := pdfstream.NewWriter(sink)
	if err != nil {
		return err
	}
	if err := s.render(ctx, sess, w); err != nil {
		return err
	}
	return w.Close()
}

type page struct {
	img assets.Image
	err error
}

// render fetches and transcodes with up to s.workers images in flight and
// at most 2*s.workers results held ahead of the writer. Each result lands
// in the slot of its source index, so pages are written in source order.
func (s *Service) render(ctx context.Context, sess *Session, w *pdfstream.Writer) error {
	urls := sess.Chapter.ImageURLs
	if len(urls) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	window := semaphore.NewWeighted(int64(2 * s.workers))

	slots := make([]chan page, len(urls))
	for i := range slots {
		slots[i] = make(chan page, 1)
	}

	fed := make(chan struct{})
	go func() {
		defer close(fed)
		for i, u := range urls {
			if err := window.Acquire(gctx, 1); err != nil {
				return
			}
			g.Go(func() error {
				slots[i] <- s.load(gctx, i, u)
				return nil
			})
		}
	}()

	var (
		written, skipped int
		err              error
	)
consume:
	for i := range urls {
		var p page
		select {
		case p = <-slots[i]:
		case <-ctx.Done():
			err = ctx.Err()
			break consume
		}
		window.Release(1)

		if p.err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
				break
			}
			skipped++
			sess.record(written, skipped)
			continue
		}
		if err = w.AddJPEGPage(p.img.JPEG, p.img.Width, p.img.Height); err != nil {
			break
		}
		written++
		metrics.PagesWritten.Inc()
		sess.record(written, skipped)
	}

	cancel()
	<-fed
	_ = g.Wait()
	return err
}

// load never returns an error to the group: a bad image is skipped, not fatal.
func (s *Service) load(ctx context.Context, index int, url string) page {
	log := logging.Ctx(ctx)

	data, err := s.images.Fetch(ctx, url)
	if err != nil {
		if ctx.Err() == nil {
			metrics.ImageFailures.WithLabelValues("fetch").Inc()
			log.Warn().Err(err).Int("index", index).Str("url", url).Msg("skipping page: fetch failed")
		}
		return page{err: err}
	}

	img, err := s.transcoder.Transcode(data)
	if err != nil {
		metrics.ImageFailures.WithLabelValues("transcode").Inc()
		log.Warn().Err(err).Int("index", index).Str("url", url).Msg("skipping page: transcode failed")
		return page{err: err}
	}
	return page{img: img}
}

// IsNotFound reports whether err came from a catalog miss.
func IsNotFound(err error) bool { return errors.Is(err, models.ErrNotFound) }
