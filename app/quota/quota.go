// Package quota classifies download requests into accounting buckets and
// enforces the per-bucket download limits.
package quota

import (
	"context"
	"errors"
	"time"

	"example/manga-api/app/models"
)

const (
	RegisteredDailyLimit = 50
	DefaultGuestLimit    = 10

	// Unlimited is the limit reported for premium accounts.
	Unlimited = -1
)

type Bucket string

const (
	BucketPremium    Bucket = "premium"
	BucketRegistered Bucket = "registered"
	BucketGuest      Bucket = "guest"
)

var ErrAccountNotFound = errors.New("account not found")

// AccountStore is the durable ledger for registered identities.
type AccountStore interface {
	// AccountBySubject returns ErrAccountNotFound when no record exists.
	AccountBySubject(ctx context.Context, subject string) (models.Account, error)
	// IncrementDailyDownloads must be a single atomic update at the storage
	// layer. A stored period different from period restarts the count at 1.
	IncrementDailyDownloads(ctx context.Context, accountID, period string) error
}

// GuestCounter is the ledger for anonymous identities keyed by client address.
type GuestCounter interface {
	GuestCount(ctx context.Context, period, addr string) (int, error)
	IncrementGuest(ctx context.Context, period, addr string) error
}

// Policy holds the numeric limits and the usage period rule.
type Policy struct {
	RegisteredDailyLimit int
	GuestLimit           int
	// DailyReset scopes counters to the UTC calendar day. When false every
	// count accumulates for the lifetime of the record.
	DailyReset bool
	Now        func() time.Time
}

func DefaultPolicy() Policy {
	return Policy{
		RegisteredDailyLimit: RegisteredDailyLimit,
		GuestLimit:           DefaultGuestLimit,
		DailyReset:           true,
	}
}

// Period returns the ledger period key for the current instant, or "" when
// counters never reset.
func (p Policy) Period() string {
	if !p.DailyReset {
		return ""
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return now().UTC().Format("2006-01-02")
}

// StalePeriod reports whether incoming is a day earlier than stored. A
// ledger must never move its period back; an increment for a stale period
// is added to the stored one. Lifetime ("") periods are never stale.
func StalePeriod(incoming, stored string) bool {
	return incoming != "" && stored != "" && incoming < stored
}

// Identity is who is asking: an authenticated subject or an anonymous address.
type Identity struct {
	Subject       string
	ClientAddress string
}

func Authenticated(subject string) Identity { return Identity{Subject: subject} }
func Anonymous(addr string) Identity       { return Identity{ClientAddress: addr} }

func (i Identity) IsAuthenticated() bool { return i.Subject != "" }

// Admission is the result of classification. Denied admissions carry the
// reason and HTTP status to report; allowed ones carry what the commit step
// needs to record usage later.
type Admission struct {
	Allowed       bool
	Bucket        Bucket
	AccountID     string
	ClientAddress string
	Period        string
	Usage         int
	Limit         int

	Reason string
	Status int
}
