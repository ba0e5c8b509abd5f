package models

// EmailNotificationEvent is published to the platform notification channel.
// Delivery is at-least-once and fire-and-forget from this service's side.
type EmailNotificationEvent struct {
	RecipientEmail string            `json:"recipient_email"`
	Subject        string            `json:"subject"`
	TemplateCode   string            `json:"template_code"`
	Variables      map[string]string `json:"variables"`
}
