package model

// ChannelName identifies a notification delivery medium.
type ChannelName string

const (
	ChannelSMS      ChannelName = "sms"
	ChannelEmail    ChannelName = "email"
	ChannelPush     ChannelName = "push"
	ChannelTelegram ChannelName = "telegram"
	ChannelWhatsApp ChannelName = "whatsapp"
	ChannelSlack    ChannelName = "slack"
)

// AllChannels lists every supported channel.
var AllChannels = []ChannelName{
	ChannelSMS, ChannelEmail, ChannelPush, ChannelTelegram, ChannelWhatsApp, ChannelSlack,
}

// Push subscription kinds.
const (
	PushWeb  = "webpush"
	PushAPNs = "apns"
)

// PushSubscription is a stored push endpoint for a user.
type PushSubscription struct {
	Kind        string `json:"kind"`
	Endpoint    string `json:"endpoint,omitempty"`
	P256dh      string `json:"p256dh,omitempty"`
	Auth        string `json:"auth,omitempty"`
	DeviceToken string `json:"device_token,omitempty"`
}

// User exposes per-channel reachability. Users are owned by the account system.
type User struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Email             string             `json:"email"`
	Phone             string             `json:"phone"`
	PhoneVerified     bool               `json:"phone_verified"`
	PushSubscriptions []PushSubscription `json:"push_subscriptions"`
	TelegramChatID    string             `json:"telegram_chat_id"`
	WhatsAppNumber    string             `json:"whatsapp_number"`
	SlackWebhookURL   string             `json:"slack_webhook_url"`
	SMSBalance        float64            `json:"sms_balance"`
}
