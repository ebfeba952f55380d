package store

import (
	"encoding/json"
	"time"
)

// Chapter is one thesis chapter and its current ProseMirror content.
type Chapter struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"owner_id"`
	SupervisorID string          `json:"supervisor_id,omitempty"`
	Title        string          `json:"title"`
	Content      json.RawMessage `json:"content,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Profile carries the role and supervision link of a portal user.
type Profile struct {
	ID           string    `json:"id"`
	FullName     string    `json:"full_name"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	SupervisorID string    `json:"supervisor_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// DecodeChapter reads a chapters row. The content column arrives either as
// decoded JSON or as its text form depending on the backend.
func DecodeChapter(row Row) (Chapter, error) {
	content := row["content"]
	plain := row.Clone()
	delete(plain, "content")

	var chapter Chapter
	if err := Decode(plain, &chapter); err != nil {
		return Chapter{}, err
	}
	switch v := content.(type) {
	case nil:
	case string:
		chapter.Content = json.RawMessage(v)
	case json.RawMessage:
		chapter.Content = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return Chapter{}, err
		}
		chapter.Content = raw
	}
	return chapter, nil
}
