package enums

import "fmt"

// WebhookProcessingStatus records what happened to an inbound provider event.
type WebhookProcessingStatus string

const (
	WebhookStatusReceived  WebhookProcessingStatus = "received"
	WebhookStatusRejected  WebhookProcessingStatus = "rejected"
	WebhookStatusProcessed WebhookProcessingStatus = "processed"
	WebhookStatusDeferred  WebhookProcessingStatus = "deferred"
	WebhookStatusError     WebhookProcessingStatus = "error"
)

var validWebhookProcessingStatuses = []WebhookProcessingStatus{
	WebhookStatusReceived,
	WebhookStatusRejected,
	WebhookStatusProcessed,
	WebhookStatusDeferred,
	WebhookStatusError,
}

func (s WebhookProcessingStatus) String() string {
	return string(s)
}

func (s WebhookProcessingStatus) IsValid() bool {
	for _, candidate := range validWebhookProcessingStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func ParseWebhookProcessingStatus(value string) (WebhookProcessingStatus, error) {
	for _, candidate := range validWebhookProcessingStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid webhook processing status %q", value)
}
