package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Deck struct {
	ID        string
	Title     string
	IsPublic  bool
	CreatedBy string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Slide struct {
	ID         string
	DeckID     string
	Position   int
	Background string
	UpdatedBy  string
	UpdatedAt  time.Time
}

// Element is one positioned object on a slide. Payload is the raw JSON the
// canvas editor produced for it; the server treats it as opaque except for
// rendering and search indexing.
type Element struct {
	ID        string
	SlideID   string
	Kind      string // text, image, shape
	Payload   string
	SortOrder int
}

// Collaborator statuses.
const (
	CollabPending  = "PENDING"
	CollabAccepted = "ACCEPTED"
	CollabExpired  = "EXPIRED"
)

// Collaborator binds a principal (registered user or invited guest) to a
// deck with a role. Guest invites carry a hashed token until accepted.
type Collaborator struct {
	ID              string
	DeckID          string
	UserID          *string
	GuestEmail      string
	GuestName       string
	Role            string
	Status          string
	InviteTokenHash *string
	ExpiresAt       *time.Time
	InvitedBy       string
	CreatedAt       time.Time
	AcceptedAt      *time.Time
}

type Comment struct {
	ID         string
	DeckID     string
	SlideID    string
	AuthorID   string
	AuthorName string
	Body       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
