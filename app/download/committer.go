package download

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example/manga-api/app/logging"
	"example/manga-api/app/metrics"
	"example/manga-api/app/quota"
)

// UsageStore records a registered account's download.
type UsageStore interface {
	IncrementDailyDownloads(ctx context.Context, accountID, period string) error
}

// PopularityStore bumps the per-manga download statistic atomically.
type PopularityStore interface {
	IncrementMangaDownloads(ctx context.Context, mangaID string) error
}

// Committer writes the deferred effects of a finished download. Every step
// is attempted; failures are logged and counted but never retried.
type Committer struct {
	Accounts   UsageStore
	Guests     quota.GuestCounter
	Popularity PopularityStore
	Events     EventPublisher // optional
	Now        func() time.Time
	// Period is the ledger period at commit time. A stream admitted before
	// midnight and finished after it counts toward the new day.
	Period func() string
}

// Commit moves a completed session to committed and applies its effects.
// A session that is not in the completed state is left untouched. The
// returned error joins the failed steps for the caller to log.
func (c *Committer) Commit(ctx context.Context, s *Session) error {
	if err := s.advance(StateCommitted); err != nil {
		return err
	}
	log := logging.Ctx(ctx).With().
		Str("session", s.ID).
		Str("bucket", string(s.Admission.Bucket)).
		Str("manga", s.Manga.Slug).
		Str("chapter", s.Chapter.Slug).
		Logger()

	var errs []error
	fail := func(step string, err error) {
		metrics.CommitFailures.WithLabelValues(step).Inc()
		log.Error().Err(err).Str("step", step).Msg("usage commit step failed")
		errs = append(errs, fmt.Errorf("%s: %w", step, err))
	}

	adm := s.Admission
	period := adm.Period
	if c.Period != nil {
		period = c.Period()
	}
	switch adm.Bucket {
	case quota.BucketRegistered:
		if err := c.Accounts.IncrementDailyDownloads(ctx, adm.AccountID, period); err != nil {
			fail("account", err)
		}
	case quota.BucketGuest:
		if err := c.Guests.IncrementGuest(ctx, period, adm.ClientAddress); err != nil {
			fail("guest", err)
		}
	}

	if err := c.Popularity.IncrementMangaDownloads(ctx, s.Manga.ID); err != nil {
		fail("popularity", err)
	}

	if c.Events != nil {
		now := time.Now
		if c.Now != nil {
			now = c.Now
		}
		if err := c.Events.Publish(ctx, eventFor(s, now())); err != nil {
			fail("event", err)
		}
	}

	if len(errs) == 0 {
		log.Debug().Msg("usage committed")
	}
	return errors.Join(errs...)
}
