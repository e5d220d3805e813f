package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAI
}

func (s *Sender) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v := Sender(raw)
	if !v.Valid() {
		return fmt.Errorf("domain: unknown sender %q", raw)
	}
	*s = v
	return nil
}

// Status is the delivery state of a message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusError     Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead, StatusError:
		return true
	}
	return false
}

// Message is one turn of a transcript. Timestamp is Unix milliseconds so that
// documents written by the browser client decode unchanged.
type Message struct {
	ID        string `json:"id" firestore:"id"`
	Content   string `json:"content" firestore:"content"`
	Sender    Sender `json:"sender" firestore:"sender"`
	Timestamp int64  `json:"timestamp" firestore:"timestamp"`
	Status    Status `json:"status" firestore:"status"`
}

// Time returns the creation time of the message.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// NewMessage builds a message stamped with now.
func NewMessage(id, content string, sender Sender, status Status, now time.Time) Message {
	return Message{
		ID:        id,
		Content:   content,
		Sender:    sender,
		Timestamp: now.UnixMilli(),
		Status:    status,
	}
}
