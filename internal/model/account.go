package model

import "time"

// Plan identifies a subscription tier. PlanNone marks an unplanned account.
type Plan string

const (
	PlanNone    Plan = "none"
	PlanBasic   Plan = "basic"
	PlanPro     Plan = "pro"
	PlanPremium Plan = "premium"
)

// PaidPlans lists the paid tiers from lowest to highest.
var PaidPlans = []Plan{PlanBasic, PlanPro, PlanPremium}

// ParsePlan maps a plan name to a Plan. Unknown or empty names yield PlanNone and false.
func ParsePlan(s string) (Plan, bool) {
	switch Plan(s) {
	case PlanBasic, PlanPro, PlanPremium:
		return Plan(s), true
	case PlanNone, "":
		return PlanNone, true
	default:
		return PlanNone, false
	}
}

// IsPaid reports whether p is one of the paid tiers.
func (p Plan) IsPaid() bool {
	return p == PlanBasic || p == PlanPro || p == PlanPremium
}

// Account is the credit and billing record of a single user.
type Account struct {
	ID                    string     `json:"id"`
	Credits               int64      `json:"credits"`
	Plan                  Plan       `json:"plan"`
	MonthlyAllocation     int64      `json:"monthly_allocation"`
	BillingSubscriptionID *string    `json:"billing_subscription_id,omitempty"`
	BillingCustomerID     *string    `json:"billing_customer_id,omitempty"`
	SubscriptionStart     *time.Time `json:"subscription_start,omitempty"`
	SubscriptionRenewal   *time.Time `json:"subscription_renewal,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// HasPlan reports whether the account is on a paid plan.
func (a *Account) HasPlan() bool {
	return a != nil && a.Plan.IsPaid()
}

// SubscriptionID returns the billing subscription id or an empty string.
func (a *Account) SubscriptionID() string {
	if a == nil || a.BillingSubscriptionID == nil {
		return ""
	}
	return *a.BillingSubscriptionID
}
