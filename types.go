package ember

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// ============================================================================
// Message
// ============================================================================

// LocalIDPrefix marks message ids generated on this device before the server
// has assigned a durable id. Rendering and matching logic branches on it.
const LocalIDPrefix = "local-"

// TombstoneText replaces the content of a message deleted for everyone.
const TombstoneText = "This message was deleted"

// SendState tracks the delivery lifecycle of a locally originated message.
// Messages fetched from the server carry the zero value (confirmed).
type SendState string

const (
	SendStateConfirmed SendState = ""
	SendStateSending   SendState = "sending"
	SendStateFailed    SendState = "failed"
)

// RetryPayload holds the original compose inputs so a failed send can be
// resubmitted without the user retyping. Dropped once the send is confirmed.
type RetryPayload struct {
	Text      string
	ImagePath string
}

// Message is the central cache entity.
type Message struct {
	ID                string    `json:"id"`
	ChatID            string    `json:"chatId"`
	AuthorID          string    `json:"authorId"`
	Content           string    `json:"content,omitempty"`
	ImageRef          string    `json:"imageRef,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	ReadFlag          bool      `json:"readFlag"`
	DeletedBySender   bool      `json:"deletedBySender"`
	DeletedByReceiver bool      `json:"deletedByReceiver"`
	SendState         SendState `json:"sendState,omitempty"`

	Retry *RetryPayload `json:"-"`
}

// Local reports whether the message still carries a device-generated id.
func (m *Message) Local() bool {
	return strings.HasPrefix(m.ID, LocalIDPrefix)
}

// Tombstone reports whether the message was deleted for everyone.
// Single-sided deletions hide the message for one participant only.
func (m *Message) Tombstone() bool {
	return m.DeletedBySender && m.DeletedByReceiver
}

// HiddenFor reports whether the viewer's side of the message is deleted.
// A tombstone is not hidden; it renders as a deletion marker for both sides.
func (m *Message) HiddenFor(viewerIsSender bool) bool {
	if m.Tombstone() {
		return false
	}
	if viewerIsSender {
		return m.DeletedBySender
	}
	return m.DeletedByReceiver
}

// MessagePatch is a partial row update. Nil fields are left untouched.
type MessagePatch struct {
	Content           *string `json:"content,omitempty"`
	ReadFlag          *bool   `json:"readFlag,omitempty"`
	DeletedBySender   *bool   `json:"deletedBySender,omitempty"`
	DeletedByReceiver *bool   `json:"deletedByReceiver,omitempty"`
}

// ============================================================================
// External collaborators
// ============================================================================

// RowStore is the persistence service contract. Backend implements it over
// the hosted REST API; PGStore implements it against Postgres directly.
type RowStore interface {
	InsertMessage(ctx context.Context, msg *Message) (*Message, error)
	UpdateMessage(ctx context.Context, chatID, messageID string, patch MessagePatch) error
	SelectPage(ctx context.Context, chatID string, offset, limit int) ([]*Message, error)
}

// ObjectStore uploads local assets to durable storage and returns an opaque
// remote reference.
type ObjectStore interface {
	Upload(ctx context.Context, localPath, bucket string) (string, error)
}

// Viewport is the scroll primitive the controller drives.
type Viewport interface {
	ScrollToNewest()
}

// ============================================================================
// Errors
// ============================================================================

// ErrorClass drives the coordinator's retain-vs-rollback decision.
type ErrorClass string

const (
	ClassNetwork    ErrorClass = "network"
	ClassValidation ErrorClass = "validation"
	ClassRateLimit  ErrorClass = "rate_limit"
	ClassAuth       ErrorClass = "auth"
	ClassUnknown    ErrorClass = "unknown"
)

// APIError is a machine-checkable error from the persistence service.
type APIError struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	Class   ErrorClass `json:"-"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ErrNotAuthor is returned when a non-author attempts delete-for-everyone.
var ErrNotAuthor = errors.New("only the author may delete a message for everyone")

// Classify buckets an error for the send path. Prefers the explicit class on
// an APIError; otherwise falls back to message heuristics for transport
// failures that never reached the API layer.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Class != "" {
			return apiErr.Class
		}
		switch apiErr.Code {
		case "RATE_LIMITED", "TOO_MANY_REQUESTS":
			return ClassRateLimit
		case "TIMEOUT", "NETWORK_ERROR":
			return ClassNetwork
		case "UNAUTHORIZED", "FORBIDDEN":
			return ClassAuth
		}
		return ClassValidation
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassNetwork
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"timeout", "timed out", "connection", "network", "temporarily", "broken pipe", "no such host"} {
		if strings.Contains(msg, hint) {
			return ClassNetwork
		}
	}
	return ClassUnknown
}
