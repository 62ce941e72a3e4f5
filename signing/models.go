package signing

import (
	"time"

	"bondflow/packet"
)

// Status is the per-binding position in the signing lifecycle.
type Status string

const (
	StatusCreated    Status = "created"
	StatusDispatched Status = "dispatched"
	StatusViewed     Status = "viewed"
	StatusSigned     Status = "signed"
	// Terminal alternates. Expired is advisory: it triggers a reminder and
	// permits resend, it never cancels the session.
	StatusExpired  Status = "expired"
	StatusDeclined Status = "declined"
	StatusError    Status = "error"
)

// DeliveryMethod is how the signing request reaches the signer.
type DeliveryMethod string

const (
	DeliveryEmail DeliveryMethod = "email"
	DeliverySMS   DeliveryMethod = "sms"
	DeliveryKiosk DeliveryMethod = "kiosk"
	DeliveryPrint DeliveryMethod = "print"
)

// ValidDeliveryMethod reports whether m is one of the supported channels.
func ValidDeliveryMethod(m DeliveryMethod) bool {
	switch m {
	case DeliveryEmail, DeliverySMS, DeliveryKiosk, DeliveryPrint:
		return true
	default:
		return false
	}
}

// EventType is a provider-reported (or sweep-generated) lifecycle event.
type EventType string

const (
	EventDispatched EventType = "dispatched"
	EventViewed     EventType = "viewed"
	EventSigned     EventType = "signed"
	EventDeclined   EventType = "declined"
	EventExpired    EventType = "expired"
	EventFailed     EventType = "failed"
)

// Binding is the tracked unit of work: this signer must sign this document
// instance. Rows are append-only; a resend supersedes a binding with a new
// row rather than rewriting the old one.
type Binding struct {
	ID                 string
	CaseID             string
	PacketID           string
	InstanceKey        string
	SignerPersonID     string
	SignerName         string
	DeliveryMethod     DeliveryMethod
	Status             Status
	Attempts           int
	SentAt             *time.Time
	SignedAt           *time.Time
	ProviderSessionRef *string
	SupersededBy       *string
	LastError          *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PacketRecord mirrors the packets table: one dispatched packet per row.
type PacketRecord struct {
	ID          string
	CaseID      string
	TotalPages  int
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// InstanceRecord mirrors the document_instances table. CompletedAt is set
// exactly once, when the last binding on the instance reaches signed.
// Fields is the composed layout snapshot; resend rebuilds the provider
// request from it without recomposing the packet.
type InstanceRecord struct {
	PacketID    string
	CaseID      string
	InstanceKey string
	TemplateKey string
	PageOffset  int
	PageCount   int
	Fields      []packet.PlacedField
	CompletedAt *time.Time
}

// Outbox topics emitted by the tracker. Notification fan-out itself lives
// outside this core; the rows are the exactly-once handoff point.
const (
	TopicIDUploadRequired  = "signer.id_upload_required"
	TopicInstanceCompleted = "instance.completed"
	TopicPacketCompleted   = "packet.completed"
	TopicExpiryReminder    = "binding.expiry_reminder"
)
