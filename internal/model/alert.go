package model

import (
	"fmt"
	"strings"
	"time"
)

// AlertType identifies a monitor family.
type AlertType string

const (
	AlertCrypto   AlertType = "crypto"
	AlertCurrency AlertType = "currency"
	AlertStock    AlertType = "stock"
	AlertWeather  AlertType = "weather"
	AlertWebsite  AlertType = "website"
)

// AlertTypeInfo is a static catalog entry.
type AlertTypeInfo struct {
	Slug AlertType `json:"slug"`
	Name string    `json:"name"`
}

var alertCatalog = []AlertTypeInfo{
	{Slug: AlertCrypto, Name: "Cryptocurrency"},
	{Slug: AlertCurrency, Name: "Currency exchange"},
	{Slug: AlertStock, Name: "Stock"},
	{Slug: AlertWeather, Name: "Weather"},
	{Slug: AlertWebsite, Name: "Website uptime"},
}

// AlertTypes returns the immutable alert type catalog in display order.
func AlertTypes() []AlertTypeInfo {
	out := make([]AlertTypeInfo, len(alertCatalog))
	copy(out, alertCatalog)
	return out
}

// ParseAlertType resolves a slug to a known AlertType.
func ParseAlertType(s string) (AlertType, error) {
	t := AlertType(strings.ToLower(strings.TrimSpace(s)))
	for _, info := range alertCatalog {
		if info.Slug == t {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown alert type %q", s)
}

// DisplayName returns the catalog name, or the slug for unknown types.
func (t AlertType) DisplayName() string {
	for _, info := range alertCatalog {
		if info.Slug == t {
			return info.Name
		}
	}
	return string(t)
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpAbove       Operator = "above"
	OpGreaterThan Operator = "greater_than"
	OpBelow       Operator = "below"
	OpLessThan    Operator = "less_than"
	OpEquals      Operator = "equals"
	OpChangesBy   Operator = "changes_by"
)

// Condition is the single trigger condition of an alert.
type Condition struct {
	Field    string   `json:"field" validate:"required"`
	Operator Operator `json:"operator" validate:"required,oneof=above greater_than below less_than equals changes_by"`
	Value    any      `json:"value"`
}

// String renders the condition for messages, e.g. "price above 50000".
func (c Condition) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, strings.ReplaceAll(string(c.Operator), "_", " "), c.Value)
}

// DefaultCheckFrequency is applied when an alert carries no frequency.
const DefaultCheckFrequency = 300

// PersonalAlert is a user's standing watch on one target.
type PersonalAlert struct {
	ID             int64         `json:"id"`
	UserID         string        `json:"user_id" validate:"required"`
	Type           AlertType     `json:"alert_type" validate:"required,oneof=crypto currency stock weather website"`
	Name           string        `json:"name"`
	Asset          string        `json:"asset" validate:"required"`
	Condition      Condition     `json:"conditions"`
	Channels       []ChannelName `json:"notification_channels" validate:"required,min=1,dive,oneof=sms email push telegram whatsapp slack"`
	IsActive       bool          `json:"is_active"`
	IsRecurring    bool          `json:"is_recurring"`
	CheckFrequency int           `json:"check_frequency" validate:"gte=60"`

	LastCheckedAt   *time.Time `json:"last_checked_at,omitempty"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	TriggerCount    int        `json:"trigger_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Frequency returns the check frequency as a duration, applying the default.
func (a *PersonalAlert) Frequency() time.Duration {
	if a.CheckFrequency <= 0 {
		return DefaultCheckFrequency * time.Second
	}
	return time.Duration(a.CheckFrequency) * time.Second
}

// Due reports whether the throttle window has elapsed at now.
func (a *PersonalAlert) Due(now time.Time) bool {
	if a.LastCheckedAt == nil {
		return true
	}
	return !a.LastCheckedAt.Add(a.Frequency()).After(now)
}

// HasChannel reports whether name is among the alert's channels.
func (a *PersonalAlert) HasChannel(name ChannelName) bool {
	for _, c := range a.Channels {
		if c == name {
			return true
		}
	}
	return false
}
