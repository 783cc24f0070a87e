// Package app wires the deck collaboration core together: access control,
// collaborator lifecycle, canvas persistence, search, revisions, share
// links, and the export pipeline, exposed over HTTP and websocket.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"deckwork/api/internal/assets"
	"deckwork/api/internal/auth"
	"deckwork/api/internal/email"
	"deckwork/api/internal/export"
	"deckwork/api/internal/rbac"
	"deckwork/api/internal/realtime"
	"deckwork/api/internal/revisions"
	"deckwork/api/internal/search"
	"deckwork/api/internal/sharelink"
	"deckwork/api/internal/store"
	"deckwork/api/internal/util"
)

const (
	inviteTTL       = 7 * 24 * time.Hour
	shareTTL        = 7 * 24 * time.Hour
	presignedExpiry = 15 * time.Minute
)

// dataStore is the slice of the persistence layer the service depends on.
// *store.PostgresStore satisfies it; tests plug in an in-memory fake.
type dataStore interface {
	Ping(ctx context.Context) error
	EnsureUser(ctx context.Context, id, displayName, email string) (store.User, error)

	InsertDeck(ctx context.Context, deck store.Deck) error
	GetDeck(ctx context.Context, deckID string) (store.Deck, error)
	ListDecksForUser(ctx context.Context, userID string) ([]store.Deck, error)
	DeleteDeck(ctx context.Context, deckID string) error
	SetDeckPublic(ctx context.Context, deckID string, public bool, updatedBy string) error

	InsertSlide(ctx context.Context, slide store.Slide) error
	ListSlides(ctx context.Context, deckID string) ([]store.Slide, error)
	GetSlide(ctx context.Context, slideID string) (store.Slide, error)
	CountSlides(ctx context.Context, deckID string) (int, error)
	ReplaceSlideCanvas(ctx context.Context, slideID, background string, elements []store.Element, updatedBy string) error
	ListSlideElements(ctx context.Context, slideID string) ([]store.Element, error)

	InsertCollaborator(ctx context.Context, collab store.Collaborator) error
	GetCollaboratorByID(ctx context.Context, collabID string) (store.Collaborator, error)
	GetCollaboratorByUser(ctx context.Context, deckID, userID string) (store.Collaborator, error)
	GetCollaboratorByTokenHash(ctx context.Context, tokenHash string) (store.Collaborator, error)
	ListCollaborators(ctx context.Context, deckID string) ([]store.Collaborator, error)
	UpdateCollaboratorRole(ctx context.Context, collabID, role string) error
	MarkCollaboratorExpired(ctx context.Context, collabID string) error
	AcceptCollaborator(ctx context.Context, collabID, userID string, acceptedAt time.Time) error
	DeleteCollaborator(ctx context.Context, collabID string) error

	InsertComment(ctx context.Context, comment store.Comment) error
	GetComment(ctx context.Context, commentID string) (store.Comment, error)
	UpdateComment(ctx context.Context, commentID, body string) error
	DeleteComment(ctx context.Context, commentID string) error
	ListSlideComments(ctx context.Context, slideID string) ([]store.Comment, error)
}

// Principal is the authenticated caller behind a request.
type Principal struct {
	UserID string
	Name   string
}

// searchIndex is the slice of the search facade the service uses.
// *search.Service satisfies it.
type searchIndex interface {
	Search(q search.Query) search.Response
	IndexDeck(d search.DeckRecord)
	IndexComment(c search.CommentRecord)
	DeleteDeck(id string)
	DeleteComment(id string)
}

// Service implements every deck collaboration operation. Optional
// subsystems (search, share links, mail, assets, exports) may be nil;
// their operations then degrade or refuse cleanly.
type Service struct {
	store     dataStore
	secret    []byte
	revisions *revisions.Service
	search    searchIndex
	shares    *sharelink.RedisStore
	mail      *email.Service
	assets    *assets.Store
	exports   *export.Manager
	logger    *zap.Logger
	baseURL   string
}

type ServiceConfig struct {
	Store     dataStore
	JWTSecret []byte
	Revisions *revisions.Service
	Search    searchIndex
	Shares    *sharelink.RedisStore
	Mail      *email.Service
	Assets    *assets.Store
	Logger    *zap.Logger
	BaseURL   string
}

func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     cfg.Store,
		secret:    cfg.JWTSecret,
		revisions: cfg.Revisions,
		search:    cfg.Search,
		shares:    cfg.Shares,
		mail:      cfg.Mail,
		assets:    cfg.Assets,
		logger:    logger,
		baseURL:   cfg.BaseURL,
	}
}

// SetExportManager wires the export pipeline after construction; the
// manager's data store is an adapter over this service's own store.
func (s *Service) SetExportManager(m *export.Manager) {
	s.exports = m
}

// ExportStore adapts the persistence layer to the export pipeline's view
// of a deck.
func (s *Service) ExportStore() export.DataStore {
	return &exportStore{store: s.store}
}

// Ready reports whether the backing database answers.
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PrincipalFromToken verifies a bearer token and upserts the local user
// row carried in its claims.
func (s *Service) PrincipalFromToken(ctx context.Context, token string) (Principal, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return Principal{}, err
	}
	user, err := s.store.EnsureUser(ctx, claims.Sub, claims.Name, "")
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: user.ID, Name: user.DisplayName}, nil
}

// effectiveRole resolves what a user may do on a deck. An accepted
// collaborator row wins; otherwise a public deck grants viewer.
func (s *Service) effectiveRole(ctx context.Context, deck store.Deck, userID string) rbac.Role {
	if userID != "" {
		collab, err := s.store.GetCollaboratorByUser(ctx, deck.ID, userID)
		if err == nil && collab.Status == store.CollabAccepted {
			if role, ok := rbac.ParseRole(collab.Role); ok {
				return role
			}
		} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("collaborator lookup failed", zap.String("deck", deck.ID), zap.Error(err))
		}
	}
	if deck.IsPublic {
		return rbac.RoleViewer
	}
	return rbac.RoleNone
}

// requireDeckRole loads the deck and checks the action. The existence
// check runs first on purpose: an unknown deck is 404 for everyone, never
// a 403 that would confirm the deck exists.
func (s *Service) requireDeckRole(ctx context.Context, p Principal, deckID string, action rbac.Action) (store.Deck, rbac.Role, error) {
	deck, err := s.store.GetDeck(ctx, deckID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Deck{}, rbac.RoleNone, notFound("deck")
		}
		return store.Deck{}, rbac.RoleNone, err
	}
	role := s.effectiveRole(ctx, deck, p.UserID)
	if !rbac.Can(role, action) {
		return store.Deck{}, rbac.RoleNone, forbidden("insufficient role for this action")
	}
	return deck, role, nil
}

// Decks

func (s *Service) CreateDeck(ctx context.Context, p Principal, title string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, invalidRequest("title is required")
	}

	deck := store.Deck{
		ID:        util.NewID("deck"),
		Title:     title,
		CreatedBy: p.UserID,
		UpdatedBy: p.UserID,
	}
	if err := s.store.InsertDeck(ctx, deck); err != nil {
		return nil, err
	}

	now := time.Now()
	owner := store.Collaborator{
		ID:         util.NewID("col"),
		DeckID:     deck.ID,
		UserID:     &p.UserID,
		Role:       rbac.RoleOwner.String(),
		Status:     store.CollabAccepted,
		InvitedBy:  p.UserID,
		AcceptedAt: &now,
	}
	if err := s.store.InsertCollaborator(ctx, owner); err != nil {
		return nil, err
	}

	slide := store.Slide{
		ID:        util.NewID("sl"),
		DeckID:    deck.ID,
		Position:  0,
		UpdatedBy: p.UserID,
	}
	if err := s.store.InsertSlide(ctx, slide); err != nil {
		return nil, err
	}

	if s.revisions != nil {
		if err := s.revisions.EnsureDeckRepo(deck.ID, revisions.Snapshot{Title: deck.Title}, p.Name); err != nil {
			s.logger.Warn("deck history repo not initialised", zap.String("deck", deck.ID), zap.Error(err))
		}
	}
	if s.search != nil {
		s.search.IndexDeck(search.DeckRecord{ID: deck.ID, Title: deck.Title, IsPublic: deck.IsPublic})
	}

	return deckView(deck, rbac.RoleOwner), nil
}

func (s *Service) ListDecks(ctx context.Context, p Principal) ([]map[string]any, error) {
	decks, err := s.store.ListDecksForUser(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(decks))
	for _, deck := range decks {
		views = append(views, deckView(deck, s.effectiveRole(ctx, deck, p.UserID)))
	}
	return views, nil
}

// GetDeck returns a deck with its slides and elements. Anonymous callers
// reach it through a share token; the token only works while the deck is
// public.
func (s *Service) GetDeck(ctx context.Context, p Principal, deckID, shareToken, sharePassword string) (map[string]any, error) {
	deck, err := s.store.GetDeck(ctx, deckID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("deck")
		}
		return nil, err
	}

	role := s.effectiveRole(ctx, deck, p.UserID)
	if role == rbac.RoleNone && shareToken != "" {
		shared, err := s.resolveShareRole(ctx, deck, shareToken, sharePassword)
		if err != nil {
			return nil, err
		}
		role = shared
	}
	if !rbac.Can(role, rbac.ActionView) {
		return nil, forbidden("no access to this deck")
	}

	slides, err := s.loadSlideViews(ctx, deckID)
	if err != nil {
		return nil, err
	}

	view := deckView(deck, role)
	view["slides"] = slides
	return view, nil
}

func (s *Service) DeleteDeck(ctx context.Context, p Principal, deckID string) error {
	if _, _, err := s.requireDeckRole(ctx, p, deckID, rbac.ActionDeleteDeck); err != nil {
		return err
	}
	if err := s.store.DeleteDeck(ctx, deckID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteDeck(deckID)
	}
	if s.assets != nil {
		if err := s.assets.DeleteDeckAssets(ctx, deckID); err != nil {
			s.logger.Warn("deck assets not removed", zap.String("deck", deckID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) SetDeckPublic(ctx context.Context, p Principal, deckID string, public bool) (map[string]any, error) {
	deck, role, err := s.requireDeckRole(ctx, p, deckID, rbac.ActionManageSharing)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetDeckPublic(ctx, deckID, public, p.UserID); err != nil {
		return nil, err
	}
	deck.IsPublic = public
	if s.search != nil {
		s.search.IndexDeck(search.DeckRecord{ID: deck.ID, Title: deck.Title, IsPublic: public})
	}
	return deckView(deck, role), nil
}

// Share links

func (s *Service) CreateShareLink(ctx context.Context, p Principal, deckID, roleName, password string, ttl time.Duration) (map[string]any, error) {
	if s.shares == nil {
		return nil, unavailable("share links are not configured")
	}
	deck, actorRole, err := s.requireDeckRole(ctx, p, deckID, rbac.ActionManageSharing)
	if err != nil {
		return nil, err
	}
	if !deck.IsPublic {
		return nil, invalidRequest("share links need a public deck")
	}

	role := rbac.RoleViewer
	if roleName != "" {
		parsed, ok := rbac.ParseRole(roleName)
		if !ok {
			return nil, invalidRequest("unknown role: " + roleName)
		}
		if parsed > rbac.RoleCommenter || !rbac.CanAssign(actorRole, parsed) {
			return nil, forbidden("share links grant at most commenter access")
		}
		role = parsed
	}

	token := util.NewID("share")
	link := sharelink.Link{DeckID: deckID, Role: role.String(), CreatedBy: p.UserID}
	if ttl <= 0 {
		ttl = shareTTL
	}
	if err := s.shares.Save(ctx, auth.HashToken(token), link, password, ttl); err != nil {
		return nil, err
	}

	return map[string]any{
		"token":     token,
		"deckId":    deckID,
		"role":      role.String(),
		"expiresAt": time.Now().Add(ttl).UTC(),
	}, nil
}

func (s *Service) RevokeShareLink(ctx context.Context, p Principal, deckID, token string) error {
	if s.shares == nil {
		return unavailable("share links are not configured")
	}
	if _, _, err := s.requireDeckRole(ctx, p, deckID, rbac.ActionManageSharing); err != nil {
		return err
	}
	return s.shares.Revoke(ctx, auth.HashToken(token))
}

func (s *Service) resolveShareRole(ctx context.Context, deck store.Deck, token, password string) (rbac.Role, error) {
	if s.shares == nil {
		return rbac.RoleNone, forbidden("no access to this deck")
	}
	link, err := s.shares.Resolve(ctx, auth.HashToken(token), password)
	if err != nil {
		return rbac.RoleNone, err
	}
	if link.DeckID != deck.ID || !deck.IsPublic {
		return rbac.RoleNone, forbidden("share link does not grant access to this deck")
	}
	role, ok := rbac.ParseRole(link.Role)
	if !ok {
		role = rbac.RoleViewer
	}
	return role, nil
}

// Collaborators

type InviteInput struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// InviteCollaborator records a pending invite and mails the accept link
// when SMTP is configured. The raw token is returned so the caller can
// deliver it out of band; only its hash is stored.
func (s *Service) InviteCollaborator(ctx context.Context, p Principal, deckID string, input InviteInput) (map[string]any, error) {
	deck, actorRole, err := s.requireDeckRole(ctx, p, deckID, rbac.ActionInvite)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Email) == "" {
		return nil, invalidRequest("invitee email is required")
	}
	granted, ok := rbac.ParseRole(input.Role)
	if !ok {
		return nil, invalidRequest("unknown role: " + input.Role)
	}
	if !rbac.CanAssign(actorRole, granted) {
		return nil, forbidden("cannot grant a role above your own")
	}

	token := util.NewID("invite")
	tokenHash := auth.HashToken(token)
	expiresAt := time.Now().Add(inviteTTL)
	collab := store.Collaborator{
		ID:              util.NewID("col"),
		DeckID:          deckID,
		GuestEmail:      strings.TrimSpace(input.Email),
		GuestName:       strings.TrimSpace(input.Name),
		Role:            granted.String(),
		Status:          store.CollabPending,
		InviteTokenHash: &tokenHash,
		ExpiresAt:       &expiresAt,
		InvitedBy:       p.UserID,
	}
	if err := s.store.InsertCollaborator(ctx, collab); err != nil {
		return nil, err
	}

	acceptURL := s.baseURL + "/invites/accept?token=" + token
	if s.mail != nil && s.mail.IsConfigured() {
		if err := s.mail.SendInviteEmail(collab.GuestEmail, collab.GuestName, p.Name, deck.Title, granted.String(), acceptURL); err != nil {
			s.logger.Warn("invite mail not sent", zap.String("deck", deckID), zap.Error(err))
		}
	}

	view := collaboratorView(collab)
	view["inviteToken"] = token
	return view, nil
}

// AcceptInvite redeems an invite token for the calling user. Expiry is
// lazy: a stale invite is marked EXPIRED the first time someone tries it.
func (s *Service) AcceptInvite(ctx context.Context, p Principal, token string) (map[string]any, error) {
	if token == "" {
		return nil, invalidRequest("invite token is required")
	}
	collab, err := s.store.GetCollaboratorByTokenHash(ctx, auth.HashToken(token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("invite")
		}
		return nil, err
	}
	if collab.Status != store.CollabPending {
		return nil, conflict("invite is no longer open")
	}
	if collab.ExpiresAt != nil && time.Now().After(*collab.ExpiresAt) {
		if err := s.store.MarkCollaboratorExpired(ctx, collab.ID); err != nil {
			return nil, err
		}
		return nil, &DomainError{Status: 410, Code: "invite-expired", Message: "invite has expired"}
	}

	existing, err := s.store.GetCollaboratorByUser(ctx, collab.DeckID, p.UserID)
	if err == nil && existing.Status == store.CollabAccepted {
		return nil, conflict("already a collaborator on this deck")
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := time.Now()
	if err := s.store.AcceptCollaborator(ctx, collab.ID, p.UserID, now); err != nil {
		return nil, err
	}

	collab.Status = store.CollabAccepted
	collab.UserID = &p.UserID
	collab.AcceptedAt = &now
	return collaboratorView(collab), nil
}

func (s *Service) ChangeRole(ctx context.Context, p Principal, deckID, collabID, roleName string) (map[string]any, error) {
	_, actorRole, err := s.requireDeckRole(ctx, p, deckID, rbac.ActionChangeRole)
	if err != nil {
		return nil, err
	}
	target, err := s.collaboratorInDeck(ctx, deckID, collabID)
	if err != nil {
		return nil, err
	}
	if target.Role == rbac.RoleOwner.String() {
		return nil, forbidden("the owner role is fixed")
	}
	granted, ok := rbac.ParseRole(roleName)
	if !ok {
		return nil, invalidRequest("unknown role: " + roleName)
	}
	if !rbac.CanAssign(actorRole, granted) {
		return nil, forbidden("cannot grant a role above your own")
	}
	if err := s.store.UpdateCollaboratorRole(ctx, collabID, granted.String()); err != nil {
		return nil, err
	}
	target.Role = granted.String()
	return collaboratorView(target), nil
}

func (s *Service) RemoveCollaborator(ctx context.Context, p Principal, deckID, collabID string) error {
	deck, err := s.store.GetDeck(ctx, deckID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("deck")
		}
		return err
	}
	target, err := s.collaboratorInDeck(ctx, deckID, collabID)
	if err != nil {
		return err
	}

	actorRole := s.effectiveRole(ctx, deck, p.UserID)
	targetRole, _ := rbac.ParseRole(target.Role)
	isSelf := target.UserID != nil && *target.UserID == p.UserID
	if !rbac.CanRemove(actorRole, targetRole, isSelf) {
		return forbidden("not allowed to remove this collaborator")
	}
	return s.store.DeleteCollaborator(ctx, collabID)
}

func (s *Service) ListCollaborators(ctx context.Context, p Principal, deckID string) ([]map[string]any, error) {
	if _, _, err := s.requireDeckRole(ctx, p, deckID, rbac.ActionView); err != nil {
		return nil, err
	}
	collabs, err := s.store.ListCollaborators(ctx, deckID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(collabs))
	for _, collab := range collabs {
		views = append(views, collaboratorView(collab))
	}
	return views, nil
}

func (s *Service) collaboratorInDeck(ctx context.Context, deckID, collabID string) (store.Collaborator, error) {
	collab, err := s.store.GetCollaboratorByID(ctx, collabID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Collaborator{}, notFound("collaborator")
		}
		return store.Collaborator{}, err
	}
	if collab.DeckID != deckID {
		return store.Collaborator{}, notFound("collaborator")
	}
	return collab, nil
}

// Slides and canvas

func (s *Service) AddSlide(ctx context.Context, p Principal, deckID, background string) (map[string]any, error) {
	if _, _, err := s.requireDeckRole(ctx, p, deckID, rbac.ActionEditStructure); err != nil {
		return nil, err
	}
	position, err := s.store.CountSlides(ctx, deckID)
	if err != nil {
		return nil, err
	}
	slide := store.Slide{
		ID:         util.NewID("sl"),
		DeckID:     deckID,
		Position:   position,
		Background: background,
		UpdatedBy:  p.UserID,
	}
	if err := s.store.InsertSlide(ctx, slide); err != nil {
		return nil, err
	}
	return slideView(slide, nil), nil
}

type canvasPayload struct {
	Background string          `json:"background"`
	Elements   []canvasElement `json:"elements"`
}

type canvasElement struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	SortOrder int             `json:"sortOrder"`
}

// UpdateSlideCanvas replaces a slide's full canvas state and commits a
// history snapshot. Canvas events always carry complete state, so this is
// the only write path for elements.
func (s *Service) UpdateSlideCanvas(ctx context.Context, p Principal, deckID, slideID string, data json.RawMessage) (map[string]any, error) {
	deck, _, err := s.requireDeckRole(ctx, p, deckID, rbac.ActionEditStructure)
	if err != nil {
		return nil, err
	}
	slide, err := s.slideInDeck(ctx, deckID, slideID)
	if err != nil {
		return nil, err
	}

	var payload canvasPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, invalidRequest("malformed canvas payload")
	}

	elements := make([]store.Element, 0, len(payload.Elements))
	for _, el := range payload.Elements {
		if el.Kind == "" {
			return nil, invalidRequest("canvas element missing kind")
		}
		id := el.ID
		if id == "" {
			id = util.NewID("el")
		}
		elements = append(elements, store.Element{
			ID:        id,
			SlideID:   slideID,
			Kind:      el.Kind,
			Payload:   string(el.Payload),
			SortOrder: el.SortOrder,
		})
	}

	if err := s.store.ReplaceSlideCanvas(ctx, slideID, payload.Background, elements, p.UserID); err != nil {
		return nil, err
	}
	s.commitHistory(ctx, deck, p.Name, fmt.Sprintf("canvas change on slide %d", slide.Position+1))

	slide.Background = payload.Background
	slide.UpdatedBy = p.UserID
	return slideView(slide, elements), nil
}

func (s *Service) GetSlideComments(ctx context.Context, p Principal, deckID, slideID string) ([]map[string]any, error) {
	if _, _, err := s.requireDeckRole(ctx, p, deckID, rbac.ActionView); err != nil {
		return nil, err
	}
	if _, err := s.slideInDeck(ctx, deckID, slideID); err != nil {
		return nil, err
	}
	comments, err := s.store.ListSlideComments(ctx, slideID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		views = append(views, commentView(comment))
	}
	return views, nil
}

func (s *Service) slideInDeck(ctx context.Context, deckID, slideID string) (store.Slide, error) {
	slide, err := s.store.GetSlide(ctx, slideID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Slide{}, notFound("slide")
		}
		return store.Slide{}, err
	}
	if slide.DeckID != deckID {
		return store.Slide{}, notFound("slide")
	}
	return slide, nil
}

// commitHistory snapshots the whole deck into its revision repo. History
// is best effort; a failed commit never fails the canvas write.
func (s *Service) commitHistory(ctx context.Context, deck store.Deck, author, message string) {
	if s.revisions == nil {
		return
	}
	slides, err := s.loadSlideViews(ctx, deck.ID)
	if err != nil {
		s.logger.Warn("history snapshot load failed", zap.String("deck", deck.ID), zap.Error(err))
		return
	}
	raw, err := json.Marshal(slides)
	if err != nil {
		s.logger.Warn("history snapshot encode failed", zap.String("deck", deck.ID), zap.Error(err))
		return
	}
	snapshot := revisions.Snapshot{Title: deck.Title, Slides: raw}
	if err := s.revisions.EnsureDeckRepo(deck.ID, revisions.Snapshot{Title: deck.Title}, author); err != nil {
		s.logger.Warn("history repo missing", zap.String("deck", deck.ID), zap.Error(err))
		return
	}
	if _, err := s.revisions.CommitSnapshot(deck.ID, snapshot, author, message); err != nil {
		s.logger.Warn("history commit failed", zap.String("deck", deck.ID), zap.Error(err))
	}
}

func (s *Service) DeckHistory(ctx context.Context, p Principal, deckID string, limit int) ([]map[string]any, error) {
	if _, _, err := s.requireDeckRole(ctx, p, deckID, rbac.ActionView); err != nil {
		return nil, err
	}
	if s.revisions == nil {
		return []map[string]any{}, nil
	}
	commits, err := s.revisions.History(deckID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(commits))
	for _, commit := range commits {
		views = append(views, map[string]any{
			"hash":      commit.Hash,
			"message":   commit.Message,
			"author":    commit.Author,
			"createdAt": commit.CreatedAt.UTC(),
		})
	}
	return views, nil
}

// Comments

func (s *Service) AddComment(ctx context.Context, p Principal, deckID, slideID, body string) (map[string]any, error) {
	comment, err := s.addComment(ctx, p, deckID, slideID, body)
	if err != nil {
		return nil, err
	}
	return commentView(comment), nil
}

func (s *Service) addComment(ctx context.Context, p Principal, deckID, slideID, body string) (store.Comment, error) {
	if strings.TrimSpace(body) == "" {
		return store.Comment{}, invalidRequest("comment body is required")
	}
	if _, _, err := s.requireDeckRole(ctx, p, deckID, rbac.ActionComment); err != nil {
		return store.Comment{}, err
	}
	if _, err := s.slideInDeck(ctx, deckID, slideID); err != nil {
		return store.Comment{}, err
	}

	comment := store.Comment{
		ID:         util.NewID("cm"),
		DeckID:     deckID,
		SlideID:    slideID,
		AuthorID:   p.UserID,
		AuthorName: p.Name,
		Body:       body,
		CreatedAt:  time.Now(),
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return store.Comment{}, err
	}
	if s.search != nil {
		s.search.IndexComment(search.CommentRecord{
			ID: comment.ID, Body: comment.Body, AuthorName: comment.AuthorName,
			DeckID: deckID, SlideID: slideID,
		})
	}
	return comment, nil
}

// EditComment updates a comment's body. Authors edit their own comments;
// the deck owner may edit any.
func (s *Service) EditComment(ctx context.Context, p Principal, deckID, commentID, body string) (map[string]any, error) {
	comment, err := s.editComment(ctx, p, deckID, commentID, body)
	if err != nil {
		return nil, err
	}
	return commentView(comment), nil
}

func (s *Service) editComment(ctx context.Context, p Principal, deckID, commentID, body string) (store.Comment, error) {
	if strings.TrimSpace(body) == "" {
		return store.Comment{}, invalidRequest("comment body is required")
	}
	deck, _, err := s.requireDeckRole(ctx, p, deckID, rbac.ActionComment)
	if err != nil {
		return store.Comment{}, err
	}
	comment, err := s.commentInDeck(ctx, deckID, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if comment.AuthorID != p.UserID && s.effectiveRole(ctx, deck, p.UserID) != rbac.RoleOwner {
		return store.Comment{}, forbidden("only the author or the owner may edit a comment")
	}
	if err := s.store.UpdateComment(ctx, commentID, body); err != nil {
		return store.Comment{}, err
	}
	comment.Body = body
	if s.search != nil {
		s.search.IndexComment(search.CommentRecord{
			ID: comment.ID, Body: body, AuthorName: comment.AuthorName,
			DeckID: deckID, SlideID: comment.SlideID,
		})
	}
	return comment, nil
}

func (s *Service) RemoveComment(ctx context.Context, p Principal, deckID, commentID string) error {
	deck, _, err := s.requireDeckRole(ctx, p, deckID, rbac.ActionComment)
	if err != nil {
		return err
	}
	comment, err := s.commentInDeck(ctx, deckID, commentID)
	if err != nil {
		return err
	}
	if comment.AuthorID != p.UserID && s.effectiveRole(ctx, deck, p.UserID) != rbac.RoleOwner {
		return forbidden("only the author or the owner may delete a comment")
	}
	if err := s.store.DeleteComment(ctx, commentID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteComment(commentID)
	}
	return nil
}

func (s *Service) commentInDeck(ctx context.Context, deckID, commentID string) (store.Comment, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Comment{}, notFound("comment")
		}
		return store.Comment{}, err
	}
	if comment.DeckID != deckID {
		return store.Comment{}, notFound("comment")
	}
	return comment, nil
}

// Search

// Search runs a full-text query and filters the hits down to decks the
// caller may view. The index is not the authority on access; every hit is
// re-checked against the store.
func (s *Service) Search(ctx context.Context, p Principal, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	resp := s.search.Search(q)

	allowed := make(map[string]bool)
	filtered := make([]search.Result, 0, len(resp.Results))
	for _, result := range resp.Results {
		deckID := result.DeckID
		if deckID == "" {
			deckID = result.ID
		}
		visible, checked := allowed[deckID]
		if !checked {
			deck, err := s.store.GetDeck(ctx, deckID)
			visible = err == nil && rbac.Can(s.effectiveRole(ctx, deck, p.UserID), rbac.ActionView)
			allowed[deckID] = visible
		}
		if visible {
			filtered = append(filtered, result)
		}
	}
	resp.Results = filtered
	resp.Total = len(filtered)
	return resp, nil
}

// Exports

func (s *Service) StartDeckExport(ctx context.Context, p Principal, deckID, qualityName string) (map[string]any, error) {
	if s.exports == nil {
		return nil, unavailable("export pipeline is not configured")
	}
	if _, _, err := s.requireDeckRole(ctx, p, deckID, rbac.ActionView); err != nil {
		return nil, err
	}
	quality, err := export.ParseQuality(qualityName)
	if err != nil {
		return nil, invalidRequest(err.Error())
	}
	jobID, err := s.exports.StartExport(ctx, deckID, quality)
	if err != nil {
		return nil, err
	}
	return map[string]any{"jobId": jobID, "status": export.StatusPending}, nil
}

func (s *Service) ExportStatus(jobID string) (export.JobStatus, error) {
	if s.exports == nil {
		return export.JobStatus{}, unavailable("export pipeline is not configured")
	}
	return s.exports.GetStatus(jobID)
}

// ExportResult hands back the artifact location for streaming. The caller
// is responsible for invoking CleanupExport once the bytes are sent.
func (s *Service) ExportResult(jobID string) (path, filename string, err error) {
	if s.exports == nil {
		return "", "", unavailable("export pipeline is not configured")
	}
	return s.exports.GetResult(jobID)
}

func (s *Service) CleanupExport(jobID string) {
	if s.exports != nil {
		s.exports.Cleanup(jobID)
	}
}

func (s *Service) RenderSlidePNG(ctx context.Context, p Principal, deckID string, slideIndex int, scale float64) ([]byte, error) {
	if s.exports == nil {
		return nil, unavailable("export pipeline is not configured")
	}
	if _, _, err := s.requireDeckRole(ctx, p, deckID, rbac.ActionView); err != nil {
		return nil, err
	}
	return s.exports.RenderSlidePNG(ctx, deckID, slideIndex, scale)
}

// Assets

func (s *Service) UploadAsset(ctx context.Context, p Principal, deckID, filename, contentType string, size int64, r io.Reader) (assets.Asset, error) {
	if s.assets == nil {
		return assets.Asset{}, unavailable("asset storage is not configured")
	}
	if _, _, err := s.requireDeckRole(ctx, p, deckID, rbac.ActionEditStructure); err != nil {
		return assets.Asset{}, err
	}
	return s.assets.Upload(ctx, deckID, filename, contentType, size, r)
}

func (s *Service) AssetURL(ctx context.Context, p Principal, deckID, key string) (string, error) {
	if s.assets == nil {
		return "", unavailable("asset storage is not configured")
	}
	if _, _, err := s.requireDeckRole(ctx, p, deckID, rbac.ActionView); err != nil {
		return "", err
	}
	if !strings.HasPrefix(key, "decks/"+deckID+"/") {
		return "", notFound("asset")
	}
	return s.assets.PresignedGetURL(ctx, key, presignedExpiry)
}

// Views

func deckView(deck store.Deck, role rbac.Role) map[string]any {
	return map[string]any{
		"id":        deck.ID,
		"title":     deck.Title,
		"isPublic":  deck.IsPublic,
		"createdBy": deck.CreatedBy,
		"updatedBy": deck.UpdatedBy,
		"createdAt": deck.CreatedAt.UTC(),
		"updatedAt": deck.UpdatedAt.UTC(),
		"myRole":    role.String(),
	}
}

func slideView(slide store.Slide, elements []store.Element) map[string]any {
	elementViews := make([]map[string]any, 0, len(elements))
	for _, el := range elements {
		elementViews = append(elementViews, map[string]any{
			"id":        el.ID,
			"kind":      el.Kind,
			"payload":   json.RawMessage(el.Payload),
			"sortOrder": el.SortOrder,
		})
	}
	return map[string]any{
		"id":         slide.ID,
		"deckId":     slide.DeckID,
		"position":   slide.Position,
		"background": slide.Background,
		"elements":   elementViews,
	}
}

func collaboratorView(collab store.Collaborator) map[string]any {
	view := map[string]any{
		"id":        collab.ID,
		"deckId":    collab.DeckID,
		"role":      collab.Role,
		"status":    collab.Status,
		"invitedBy": collab.InvitedBy,
	}
	if collab.UserID != nil {
		view["userId"] = *collab.UserID
	}
	if collab.GuestEmail != "" {
		view["guestEmail"] = collab.GuestEmail
	}
	if collab.GuestName != "" {
		view["guestName"] = collab.GuestName
	}
	if collab.ExpiresAt != nil {
		view["expiresAt"] = collab.ExpiresAt.UTC()
	}
	if collab.AcceptedAt != nil {
		view["acceptedAt"] = collab.AcceptedAt.UTC()
	}
	return view
}

func commentView(comment store.Comment) map[string]any {
	return map[string]any{
		"id":         comment.ID,
		"deckId":     comment.DeckID,
		"slideId":    comment.SlideID,
		"authorId":   comment.AuthorID,
		"authorName": comment.AuthorName,
		"body":       comment.Body,
		"createdAt":  comment.CreatedAt.UTC(),
	}
}

func (s *Service) loadSlideViews(ctx context.Context, deckID string) ([]map[string]any, error) {
	slides, err := s.store.ListSlides(ctx, deckID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(slides))
	for _, slide := range slides {
		elements, err := s.store.ListSlideElements(ctx, slide.ID)
		if err != nil {
			return nil, err
		}
		views = append(views, slideView(slide, elements))
	}
	return views, nil
}

// exportStore adapts the persistence layer for the export pipeline.
type exportStore struct {
	store dataStore
}

func (e *exportStore) GetDeckInfo(ctx context.Context, id string) (export.DeckInfo, error) {
	deck, err := e.store.GetDeck(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return export.DeckInfo{}, notFound("deck")
		}
		return export.DeckInfo{}, err
	}
	return export.DeckInfo{ID: deck.ID, Title: deck.Title}, nil
}

func (e *exportStore) ListSlideContents(ctx context.Context, deckID string) ([]export.SlideContent, error) {
	slides, err := e.store.ListSlides(ctx, deckID)
	if err != nil {
		return nil, err
	}
	contents := make([]export.SlideContent, 0, len(slides))
	for _, slide := range slides {
		elements, err := e.store.ListSlideElements(ctx, slide.ID)
		if err != nil {
			return nil, err
		}
		content := export.SlideContent{
			ID:         slide.ID,
			Position:   slide.Position,
			Background: slide.Background,
		}
		for _, el := range elements {
			content.Elements = append(content.Elements, export.ElementContent{
				Kind:      el.Kind,
				Payload:   json.RawMessage(el.Payload),
				SortOrder: el.SortOrder,
			})
		}
		contents = append(contents, content)
	}
	return contents, nil
}

// Realtime bindings. The service is both the access checker and the event
// sink for the websocket gateway.

type realtimeAccess struct {
	svc *Service
}

type realtimeSink struct {
	svc *Service
}

func (s *Service) RealtimeAccess() realtime.AccessChecker {
	return &realtimeAccess{svc: s}
}

func (s *Service) RealtimeSink() realtime.EventSink {
	return &realtimeSink{svc: s}
}

func (a *realtimeAccess) Authenticate(ctx context.Context, deckID, token string) (realtime.Identity, error) {
	p, err := a.svc.PrincipalFromToken(ctx, token)
	if err != nil {
		return realtime.Identity{}, err
	}
	deck, err := a.svc.store.GetDeck(ctx, deckID)
	if err != nil {
		return realtime.Identity{}, err
	}
	if !rbac.Can(a.svc.effectiveRole(ctx, deck, p.UserID), rbac.ActionView) {
		return realtime.Identity{}, forbidden("no access to this deck")
	}
	return realtime.Identity{PrincipalID: p.UserID, Name: p.Name}, nil
}

func (a *realtimeAccess) CanEditStructure(ctx context.Context, deckID, principalID string) bool {
	deck, err := a.svc.store.GetDeck(ctx, deckID)
	if err != nil {
		return false
	}
	return rbac.Can(a.svc.effectiveRole(ctx, deck, principalID), rbac.ActionEditStructure)
}

func (a *realtimeAccess) CanComment(ctx context.Context, deckID, principalID string) bool {
	deck, err := a.svc.store.GetDeck(ctx, deckID)
	if err != nil {
		return false
	}
	return rbac.Can(a.svc.effectiveRole(ctx, deck, principalID), rbac.ActionComment)
}

func (k *realtimeSink) ApplyCanvasChange(ctx context.Context, deckID, slideID string, actor realtime.Identity, canvasData json.RawMessage) error {
	p := Principal{UserID: actor.PrincipalID, Name: actor.Name}
	_, err := k.svc.UpdateSlideCanvas(ctx, p, deckID, slideID, canvasData)
	return err
}

func (k *realtimeSink) AddComment(ctx context.Context, deckID string, actor realtime.Identity, slideID, body string) (realtime.CommentView, error) {
	p := Principal{UserID: actor.PrincipalID, Name: actor.Name}
	comment, err := k.svc.addComment(ctx, p, deckID, slideID, body)
	if err != nil {
		return realtime.CommentView{}, err
	}
	return toRealtimeComment(comment), nil
}

func (k *realtimeSink) UpdateComment(ctx context.Context, deckID string, actor realtime.Identity, commentID, body string) (realtime.CommentView, error) {
	p := Principal{UserID: actor.PrincipalID, Name: actor.Name}
	comment, err := k.svc.editComment(ctx, p, deckID, commentID, body)
	if err != nil {
		return realtime.CommentView{}, err
	}
	return toRealtimeComment(comment), nil
}

func (k *realtimeSink) DeleteComment(ctx context.Context, deckID string, actor realtime.Identity, commentID string) error {
	p := Principal{UserID: actor.PrincipalID, Name: actor.Name}
	return k.svc.RemoveComment(ctx, p, deckID, commentID)
}

func toRealtimeComment(comment store.Comment) realtime.CommentView {
	return realtime.CommentView{
		ID:         comment.ID,
		SlideID:    comment.SlideID,
		Body:       comment.Body,
		AuthorID:   comment.AuthorID,
		AuthorName: comment.AuthorName,
	}
}
