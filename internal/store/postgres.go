package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

// EnsureUser upserts the identity carried by a verified token. The account
// service owns user records; this keeps a local row for joins and display.
func (s *PostgresStore) EnsureUser(ctx context.Context, id, displayName, email string) (User, error) {
	const query = `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, email, created_at
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, id, displayName, email).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, email, created_at FROM users WHERE id = $1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Decks

func (s *PostgresStore) InsertDeck(ctx context.Context, deck Deck) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decks (id, title, is_public, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5)
	`, deck.ID, deck.Title, deck.IsPublic, deck.CreatedBy, deck.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert deck: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDeck(ctx context.Context, deckID string) (Deck, error) {
	var deck Deck
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, is_public, created_by, updated_by, created_at, updated_at
		FROM decks WHERE id = $1
	`, deckID).Scan(&deck.ID, &deck.Title, &deck.IsPublic, &deck.CreatedBy, &deck.UpdatedBy, &deck.CreatedAt, &deck.UpdatedAt)
	if err != nil {
		return Deck{}, err
	}
	return deck, nil
}

func (s *PostgresStore) ListDecksForUser(ctx context.Context, userID string) ([]Deck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.title, d.is_public, d.created_by, d.updated_by, d.created_at, d.updated_at
		FROM decks d
		JOIN collaborators c ON c.deck_id = d.id
		WHERE c.user_id = $1 AND c.status = 'ACCEPTED'
		ORDER BY d.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list decks: %w", err)
	}
	defer rows.Close()

	var decks []Deck
	for rows.Next() {
		var deck Deck
		if err := rows.Scan(&deck.ID, &deck.Title, &deck.IsPublic, &deck.CreatedBy, &deck.UpdatedBy, &deck.CreatedAt, &deck.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan deck: %w", err)
		}
		decks = append(decks, deck)
	}
	return decks, rows.Err()
}

func (s *PostgresStore) DeleteDeck(ctx context.Context, deckID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM decks WHERE id = $1`, deckID)
	if err != nil {
		return fmt.Errorf("delete deck: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetDeckPublic(ctx context.Context, deckID string, public bool, updatedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE decks SET is_public = $2, updated_by = $3, updated_at = NOW() WHERE id = $1
	`, deckID, public, updatedBy)
	if err != nil {
		return fmt.Errorf("set deck public: %w", err)
	}
	return nil
}

// Slides

func (s *PostgresStore) InsertSlide(ctx context.Context, slide Slide) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO slides (id, deck_id, position, background, updated_by)
		VALUES ($1, $2, $3, $4, $5)
	`, slide.ID, slide.DeckID, slide.Position, slide.Background, slide.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert slide: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSlides(ctx context.Context, deckID string) ([]Slide, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, deck_id, position, background, updated_by, updated_at
		FROM slides WHERE deck_id = $1 ORDER BY position ASC
	`, deckID)
	if err != nil {
		return nil, fmt.Errorf("list slides: %w", err)
	}
	defer rows.Close()

	var slides []Slide
	for rows.Next() {
		var slide Slide
		if err := rows.Scan(&slide.ID, &slide.DeckID, &slide.Position, &slide.Background, &slide.UpdatedBy, &slide.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan slide: %w", err)
		}
		slides = append(slides, slide)
	}
	return slides, rows.Err()
}

func (s *PostgresStore) GetSlide(ctx context.Context, slideID string) (Slide, error) {
	var slide Slide
	err := s.db.QueryRowContext(ctx, `
		SELECT id, deck_id, position, background, updated_by, updated_at
		FROM slides WHERE id = $1
	`, slideID).Scan(&slide.ID, &slide.DeckID, &slide.Position, &slide.Background, &slide.UpdatedBy, &slide.UpdatedAt)
	if err != nil {
		return Slide{}, err
	}
	return slide, nil
}

func (s *PostgresStore) CountSlides(ctx context.Context, deckID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM slides WHERE deck_id = $1`, deckID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count slides: %w", err)
	}
	return count, nil
}

// ReplaceSlideCanvas swaps a slide's background and full element set in one
// transaction. Canvas-change events always carry the complete slide state,
// so partial element updates never happen here.
func (s *PostgresStore) ReplaceSlideCanvas(ctx context.Context, slideID, background string, elements []Element, updatedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin canvas tx: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE slides SET background = $2, updated_by = $3, updated_at = NOW() WHERE id = $1
	`, slideID, background, updatedBy); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update slide: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM elements WHERE slide_id = $1`, slideID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear elements: %w", err)
	}

	for _, element := range elements {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO elements (id, slide_id, kind, payload, sort_order)
			VALUES ($1, $2, $3, $4, $5)
		`, element.ID, slideID, element.Kind, element.Payload, element.SortOrder); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert element: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit canvas tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSlideElements(ctx context.Context, slideID string) ([]Element, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slide_id, kind, payload, sort_order
		FROM elements WHERE slide_id = $1 ORDER BY sort_order ASC
	`, slideID)
	if err != nil {
		return nil, fmt.Errorf("list elements: %w", err)
	}
	defer rows.Close()

	var elements []Element
	for rows.Next() {
		var element Element
		if err := rows.Scan(&element.ID, &element.SlideID, &element.Kind, &element.Payload, &element.SortOrder); err != nil {
			return nil, fmt.Errorf("scan element: %w", err)
		}
		elements = append(elements, element)
	}
	return elements, rows.Err()
}

// Collaborators

func (s *PostgresStore) InsertCollaborator(ctx context.Context, collab Collaborator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collaborators (id, deck_id, user_id, guest_email, guest_name, role, status, invite_token_hash, expires_at, invited_by, accepted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, collab.ID, collab.DeckID, collab.UserID, collab.GuestEmail, collab.GuestName,
		collab.Role, collab.Status, collab.InviteTokenHash, collab.ExpiresAt, collab.InvitedBy, collab.AcceptedAt)
	if err != nil {
		return fmt.Errorf("insert collaborator: %w", err)
	}
	return nil
}

const collaboratorColumns = `
	id, deck_id, user_id, guest_email, guest_name, role, status,
	invite_token_hash, expires_at, invited_by, created_at, accepted_at
`

func (s *PostgresStore) scanCollaborator(row *sql.Row) (Collaborator, error) {
	var collab Collaborator
	err := row.Scan(&collab.ID, &collab.DeckID, &collab.UserID, &collab.GuestEmail, &collab.GuestName,
		&collab.Role, &collab.Status, &collab.InviteTokenHash, &collab.ExpiresAt,
		&collab.InvitedBy, &collab.CreatedAt, &collab.AcceptedAt)
	if err != nil {
		return Collaborator{}, err
	}
	return collab, nil
}

func (s *PostgresStore) GetCollaboratorByID(ctx context.Context, collabID string) (Collaborator, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+collaboratorColumns+` FROM collaborators WHERE id = $1`, collabID)
	return s.scanCollaborator(row)
}

func (s *PostgresStore) GetCollaboratorByUser(ctx context.Context, deckID, userID string) (Collaborator, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+collaboratorColumns+` FROM collaborators WHERE deck_id = $1 AND user_id = $2`,
		deckID, userID)
	return s.scanCollaborator(row)
}

func (s *PostgresStore) GetCollaboratorByTokenHash(ctx context.Context, tokenHash string) (Collaborator, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+collaboratorColumns+` FROM collaborators WHERE invite_token_hash = $1`,
		tokenHash)
	return s.scanCollaborator(row)
}

func (s *PostgresStore) ListCollaborators(ctx context.Context, deckID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+collaboratorColumns+` FROM collaborators WHERE deck_id = $1 ORDER BY created_at ASC`,
		deckID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	var collabs []Collaborator
	for rows.Next() {
		var collab Collaborator
		if err := rows.Scan(&collab.ID, &collab.DeckID, &collab.UserID, &collab.GuestEmail, &collab.GuestName,
			&collab.Role, &collab.Status, &collab.InviteTokenHash, &collab.ExpiresAt,
			&collab.InvitedBy, &collab.CreatedAt, &collab.AcceptedAt); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		collabs = append(collabs, collab)
	}
	return collabs, rows.Err()
}

func (s *PostgresStore) UpdateCollaboratorRole(ctx context.Context, collabID, role string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE collaborators SET role = $2 WHERE id = $1`, collabID, role)
	if err != nil {
		return fmt.Errorf("update collaborator role: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkCollaboratorExpired(ctx context.Context, collabID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE collaborators SET status = 'EXPIRED' WHERE id = $1`, collabID)
	if err != nil {
		return fmt.Errorf("mark collaborator expired: %w", err)
	}
	return nil
}

// AcceptCollaborator flips a pending invite to ACCEPTED and binds the
// accepting user. The token hash is cleared so it cannot be replayed.
func (s *PostgresStore) AcceptCollaborator(ctx context.Context, collabID, userID string, acceptedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE collaborators
		SET status = 'ACCEPTED', user_id = $2, accepted_at = $3, invite_token_hash = NULL
		WHERE id = $1
	`, collabID, userID, acceptedAt)
	if err != nil {
		return fmt.Errorf("accept collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCollaborator(ctx context.Context, collabID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM collaborators WHERE id = $1`, collabID)
	if err != nil {
		return fmt.Errorf("delete collaborator: %w", err)
	}
	return nil
}

// Comments

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, deck_id, slide_id, author_id, author_name, body)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, comment.ID, comment.DeckID, comment.SlideID, comment.AuthorID, comment.AuthorName, comment.Body)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var comment Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, deck_id, slide_id, author_id, author_name, body, created_at, updated_at
		FROM comments WHERE id = $1
	`, commentID).Scan(&comment.ID, &comment.DeckID, &comment.SlideID, &comment.AuthorID,
		&comment.AuthorName, &comment.Body, &comment.CreatedAt, &comment.UpdatedAt)
	if err != nil {
		return Comment{}, err
	}
	return comment, nil
}

func (s *PostgresStore) UpdateComment(ctx context.Context, commentID, body string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE comments SET body = $2, updated_at = NOW() WHERE id = $1`, commentID, body)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id = $1`, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSlideComments(ctx context.Context, slideID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, deck_id, slide_id, author_id, author_name, body, created_at, updated_at
		FROM comments WHERE slide_id = $1 ORDER BY created_at ASC
	`, slideID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var comments []Comment
	for rows.Next() {
		var comment Comment
		if err := rows.Scan(&comment.ID, &comment.DeckID, &comment.SlideID, &comment.AuthorID,
			&comment.AuthorName, &comment.Body, &comment.CreatedAt, &comment.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, comment)
	}
	return comments, rows.Err()
}
