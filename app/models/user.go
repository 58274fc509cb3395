// Package models defines account plan, usage tracking and catalog records.
package models

import "time"

type Plan string

const (
	PlanFree    Plan = "FREE"
	PlanPremium Plan = "PREMIUM"
)

// Account is the registered identity record the download quota reads.
type Account struct {
	ID                 string    `db:"id" json:"id"`
	Subject            string    `db:"auth_sub" json:"-"`
	Email              string    `db:"email" json:"email,omitempty"`
	Name               string    `db:"name" json:"name,omitempty"`
	Premium            bool      `db:"is_premium" json:"isPremium"`
	DailyDownloadCount int       `db:"daily_download_count" json:"dailyDownloadCount"`
	UsagePeriod        string    `db:"usage_period" json:"-"`
	StripeCustomerID   string    `db:"stripe_customer_id" json:"-"`
	CreatedAt          time.Time `db:"created_at" json:"createdAt"`
}

// Plan reports the billing plan implied by the premium flag.
func (a Account) Plan() Plan {
	if a.Premium {
		return PlanPremium
	}
	return PlanFree
}
