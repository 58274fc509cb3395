package quota

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

const (
	ReasonAccountNotFound = "account not found"
	ReasonDailyLimit      = "daily limit reached"
	ReasonGuestLimit      = "guest limit reached"
)

// Classifier decides the bucket of a request and whether it is admitted.
// It only reads the ledgers; usage is recorded by the commit step.
type Classifier struct {
	Accounts AccountStore
	Guests   GuestCounter
	Policy   Policy
}

func NewClassifier(accounts AccountStore, guests GuestCounter, policy Policy) *Classifier {
	return &Classifier{Accounts: accounts, Guests: guests, Policy: policy}
}

// Classify must complete before any fetch or assembly work for the request
// begins. The returned error is reserved for ledger failures.
func (c *Classifier) Classify(ctx context.Context, id Identity) (Admission, error) {
	period := c.Policy.Period()

	if id.IsAuthenticated() {
		account, err := c.Accounts.AccountBySubject(ctx, id.Subject)
		if errors.Is(err, ErrAccountNotFound) {
			return Admission{
				Bucket: BucketRegistered,
				Reason: ReasonAccountNotFound,
				Status: http.StatusNotFound,
			}, nil
		}
		if err != nil {
			return Admission{}, fmt.Errorf("load account %s: %w", id.Subject, err)
		}

		if account.Premium {
			return Admission{
				Allowed:   true,
				Bucket:    BucketPremium,
				AccountID: account.ID,
				Period:    period,
				Usage:     effectiveCount(account.DailyDownloadCount, account.UsagePeriod, period),
				Limit:     Unlimited,
			}, nil
		}

		used := effectiveCount(account.DailyDownloadCount, account.UsagePeriod, period)
		limit := c.Policy.RegisteredDailyLimit
		if used >= limit {
			return Admission{
				Bucket:    BucketRegistered,
				AccountID: account.ID,
				Period:    period,
				Usage:     used,
				Limit:     limit,
				Reason:    ReasonDailyLimit,
				Status:    http.StatusForbidden,
			}, nil
		}
		return Admission{
			Allowed:   true,
			Bucket:    BucketRegistered,
			AccountID: account.ID,
			Period:    period,
			Usage:     used,
			Limit:     limit,
		}, nil
	}

	used, err := c.Guests.GuestCount(ctx, period, id.ClientAddress)
	if err != nil {
		return Admission{}, fmt.Errorf("load guest count %s: %w", id.ClientAddress, err)
	}
	limit := c.Policy.GuestLimit
	adm := Admission{
		Bucket:        BucketGuest,
		ClientAddress: id.ClientAddress,
		Period:        period,
		Usage:         used,
		Limit:         limit,
	}
	if used >= limit {
		adm.Reason = ReasonGuestLimit
		adm.Status = http.StatusForbidden
		return adm, nil
	}
	adm.Allowed = true
	return adm, nil
}

// effectiveCount hides a count recorded in an earlier period.
func effectiveCount(count int, stored, current string) int {
	if stored != current {
		return 0
	}
	return count
}

// Usage is the caller-facing view of a bucket's counters.
type Usage struct {
	Type  string `json:"type"`
	Usage int    `json:"usage"`
	Limit int    `json:"-"`
}

// UsageType maps a bucket to the label reported by the stats endpoint.
func UsageType(b Bucket) string {
	switch b {
	case BucketPremium:
		return "premium"
	case BucketRegistered:
		return "user"
	default:
		return "guest"
	}
}

// Usage reports the current counters of the caller's bucket.
func (c *Classifier) Usage(ctx context.Context, id Identity) (Usage, error) {
	adm, err := c.Classify(ctx, id)
	if err != nil {
		return Usage{}, err
	}
	if adm.Status == http.StatusNotFound {
		return Usage{}, ErrAccountNotFound
	}
	return Usage{Type: UsageType(adm.Bucket), Usage: adm.Usage, Limit: adm.Limit}, nil
}
