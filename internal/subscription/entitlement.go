// Package subscription computes entitlements from subscription rows and
// applies every change to them: extensions, admin grants, revokes and
// provider syncs.
package subscription

import (
	"errors"
	"math"
	"strings"
	"time"

	"profitpilot/internal/database"
)

var (
	ErrUnknownPlan    = errors.New("unknown plan")
	ErrUserNotFound   = errors.New("user not found")
	ErrNoSubscription = errors.New("user has no subscription")
	ErrInvalidDays    = errors.New("days must be positive")
)

// Plan is an admin grant option
type Plan string

const (
	PlanWeek     Plan = "1w"
	PlanMonth    Plan = "1m"
	PlanYear     Plan = "1y"
	PlanLifetime Plan = "lifetime"
)

var planDays = map[Plan]int{
	PlanWeek:  7,
	PlanMonth: 30,
	PlanYear:  365,
}

// ParsePlan normalizes a plan name. Unknown names return ErrUnknownPlan.
func ParsePlan(s string) (Plan, error) {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	if p == PlanLifetime {
		return p, nil
	}
	if _, ok := planDays[p]; ok {
		return p, nil
	}
	return "", ErrUnknownPlan
}

// Days returns the length of a day plan, or 0 for lifetime
func (p Plan) Days() int {
	return planDays[p]
}

// IsLifetime reports whether the plan never expires
func (p Plan) IsLifetime() bool {
	return p == PlanLifetime
}

// IsActive reports whether a subscription row entitles its user at now.
// A nil end is a lifetime grant.
func IsActive(sub *database.Subscription, now time.Time) bool {
	if sub == nil {
		return false
	}
	if !strings.EqualFold(strings.TrimSpace(sub.Status), database.SubscriptionStatusActive) {
		return false
	}
	return sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Before(now)
}

// ExtensionBase returns max(now, current end). Without a row or an end it is now.
func ExtensionBase(sub *database.Subscription, now time.Time) time.Time {
	if sub == nil || sub.CurrentPeriodEnd == nil {
		return now
	}
	if sub.CurrentPeriodEnd.After(now) {
		return *sub.CurrentPeriodEnd
	}
	return now
}

// Entitlement is the user-facing view of the latest subscription
type Entitlement struct {
	Active           bool       `json:"active"`
	Status           string     `json:"status"`
	Provider         string     `json:"provider,omitempty"`
	CurrentPeriodEnd *time.Time `json:"current_period_end"`
	Lifetime         bool       `json:"lifetime"`
	DaysRemaining    *int       `json:"days_remaining"`
}

// NewEntitlement builds the view for a subscription row at now
func NewEntitlement(sub *database.Subscription, now time.Time) Entitlement {
	if sub == nil {
		return Entitlement{Status: "none"}
	}
	e := Entitlement{
		Active:           IsActive(sub, now),
		Status:           strings.ToLower(sub.Status),
		Provider:         sub.Provider,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
	}
	if e.Active && sub.CurrentPeriodEnd == nil {
		e.Lifetime = true
		return e
	}
	if sub.CurrentPeriodEnd != nil {
		days := 0
		if remaining := sub.CurrentPeriodEnd.Sub(now); remaining > 0 {
			days = int(math.Ceil(remaining.Hours() / 24))
		}
		e.DaysRemaining = &days
	}
	return e
}
