package model

import "time"

// DeliveryResult is the persisted outcome of one channel attempt.
type DeliveryResult struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
}

// DeliveryStatus maps channel name to its delivery outcome.
type DeliveryStatus map[ChannelName]DeliveryResult

// Delivered reports whether at least one channel succeeded.
func (s DeliveryStatus) Delivered() bool {
	for _, r := range s {
		if r.Success {
			return true
		}
	}
	return false
}

// AlertHistory is one trigger event. It is created once and updated once
// to attach the rendered message and delivery status.
type AlertHistory struct {
	ID             string         `json:"id"`
	AlertID        int64          `json:"alert_id"`
	UserID         string         `json:"user_id"`
	Conditions     Condition      `json:"conditions"`
	Data           map[string]any `json:"data"`
	Message        string         `json:"message"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	TriggeredAt    time.Time      `json:"triggered_at"`
}
