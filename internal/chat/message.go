// Package chat keeps one user's one-to-one message list consistent with the
// message table while the realtime transport comes and goes.
package chat

import (
	"strings"
	"time"

	"thesisdesk/internal/store"
)

type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Message mirrors a row of the messages table. Optimistic entries use their
// client id as id until the server row replaces them.
type Message struct {
	ID                  string      `json:"id"`
	ClientID            string      `json:"client_id,omitempty"`
	SenderID            string      `json:"sender_id"`
	ReceiverID          string      `json:"receiver_id"`
	Body                string      `json:"body"`
	Type                MessageType `json:"type"`
	Status              Status      `json:"status"`
	AttachmentURL       *string     `json:"attachment_url,omitempty"`
	AttachmentMime      *string     `json:"attachment_mime,omitempty"`
	AttachmentSizeBytes *int64      `json:"attachment_size_bytes,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	DeletedAt           *time.Time  `json:"deleted_at,omitempty"`
}

// Attachment is an uploaded object referenced by a message.
type Attachment struct {
	URL  string `json:"url"`
	Mime string `json:"mime"`
	Size int64  `json:"size"`
}

// Attachment returns the message's attachment, or nil for plain text.
func (m Message) Attachment() *Attachment {
	if m.AttachmentURL == nil || *m.AttachmentURL == "" {
		return nil
	}
	a := &Attachment{URL: *m.AttachmentURL}
	if m.AttachmentMime != nil {
		a.Mime = *m.AttachmentMime
	}
	if m.AttachmentSizeBytes != nil {
		a.Size = *m.AttachmentSizeBytes
	}
	return a
}

func (m Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// Involves reports whether userID is the sender or the receiver.
func (m Message) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// TypeForMime classifies an attachment by its MIME type.
func TypeForMime(mime string) MessageType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return TypeImage
	case strings.HasPrefix(mime, "video/"):
		return TypeVideo
	case strings.HasPrefix(mime, "audio/"):
		return TypeAudio
	default:
		return TypeDocument
	}
}

// ConnectionState is the lifecycle of the engine's realtime channel.
type ConnectionState string

const (
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Disconnected ConnectionState = "disconnected"
)

func decodeMessage(row map[string]any) (Message, error) {
	var m Message
	if err := store.Decode(store.Row(row), &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

func insertRow(m Message) store.Row {
	row := store.Row{
		"client_id":   m.ClientID,
		"sender_id":   m.SenderID,
		"receiver_id": m.ReceiverID,
		"body":        m.Body,
		"type":        string(m.Type),
		"status":      string(StatusSent),
	}
	if m.AttachmentURL != nil {
		row["attachment_url"] = *m.AttachmentURL
	}
	if m.AttachmentMime != nil {
		row["attachment_mime"] = *m.AttachmentMime
	}
	if m.AttachmentSizeBytes != nil {
		row["attachment_size_bytes"] = *m.AttachmentSizeBytes
	}
	return row
}
