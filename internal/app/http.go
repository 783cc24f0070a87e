package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"deckwork/api/internal/realtime"
	"deckwork/api/internal/search"
	"deckwork/api/internal/util"
)

const maxBodyBytes = 1 << 20
const maxAssetBytes = 16 << 20

// Server routes the HTTP surface. Routing is a plain if-chain over split
// path segments; the surface is small enough that a router dependency
// would not pay for itself.
type Server struct {
	svc        *Service
	gateway    *realtime.Gateway
	logger     *zap.Logger
	corsOrigin string
}

func NewServer(svc *Service, gateway *realtime.Gateway, logger *zap.Logger, corsOrigin string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{svc: svc, gateway: gateway, logger: logger, corsOrigin: corsOrigin}
}

func (s *Server) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.route))
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	if len(parts) == 0 || parts[0] != "api" {
		s.writeError(w, r, notFound("route"))
		return
	}
	parts = parts[1:]
	ctx := r.Context()

	if len(parts) == 1 && parts[0] == "health" && r.Method == http.MethodGet {
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	if len(parts) == 1 && parts[0] == "ready" && r.Method == http.MethodGet {
		if err := s.svc.Ready(ctx); err != nil {
			s.writeError(w, r, unavailable("database unreachable"))
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}

	// Websocket joins carry the token as a query parameter; everything
	// else authenticates with a bearer header.
	if len(parts) == 3 && parts[0] == "decks" && parts[2] == "ws" && r.Method == http.MethodGet {
		if s.gateway == nil {
			s.writeError(w, r, unavailable("realtime gateway is not configured"))
			return
		}
		s.gateway.ServeWS(w, r, parts[1])
		return
	}

	// Anonymous share-token reads skip bearer auth entirely.
	if len(parts) == 2 && parts[0] == "decks" && r.Method == http.MethodGet && bearerToken(r) == "" && r.URL.Query().Get("shareToken") != "" {
		view, err := s.svc.GetDeck(ctx, Principal{}, parts[1], r.URL.Query().Get("shareToken"), r.URL.Query().Get("sharePassword"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, view)
		return
	}

	principal, err := s.requirePrincipal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch {
	case len(parts) == 1 && parts[0] == "decks":
		switch r.Method {
		case http.MethodPost:
			var input struct {
				Title string `json:"title"`
			}
			if err := decodeBody(r, &input); err != nil {
				s.writeError(w, r, err)
				return
			}
			view, err := s.svc.CreateDeck(ctx, principal, input.Title)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			s.writeJSON(w, http.StatusCreated, view)
		case http.MethodGet:
			views, err := s.svc.ListDecks(ctx, principal)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			s.writeJSON(w, http.StatusOK, map[string]any{"decks": views})
		default:
			s.methodNotAllowed(w, r)
		}

	case len(parts) == 2 && parts[0] == "decks":
		deckID := parts[1]
		switch r.Method {
		case http.MethodGet:
			view, err := s.svc.GetDeck(ctx, principal, deckID, r.URL.Query().Get("shareToken"), r.URL.Query().Get("sharePassword"))
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			s.writeJSON(w, http.StatusOK, view)
		case http.MethodDelete:
			if err := s.svc.DeleteDeck(ctx, principal, deckID); err != nil {
				s.writeError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			s.methodNotAllowed(w, r)
		}

	case len(parts) == 3 && parts[0] == "decks" && parts[2] == "visibility" && r.Method == http.MethodPut:
		var input struct {
			IsPublic bool `json:"isPublic"`
		}
		if err := decodeBody(r, &input); err != nil {
			s.writeError(w, r, err)
			return
		}
		view, err := s.svc.SetDeckPublic(ctx, principal, parts[1], input.IsPublic)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, view)

	case len(parts) == 3 && parts[0] == "decks" && parts[2] == "slides" && r.Method == http.MethodPost:
		var input struct {
			Background string `json:"background"`
		}
		if err := decodeBody(r, &input); err != nil {
			s.writeError(w, r, err)
			return
		}
		view, err := s.svc.AddSlide(ctx, principal, parts[1], input.Background)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, view)

	case len(parts) == 5 && parts[0] == "decks" && parts[2] == "slides" && parts[4] == "canvas" && r.Method == http.MethodPut:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.writeError(w, r, invalidRequest("unreadable body"))
			return
		}
		view, svcErr := s.svc.UpdateSlideCanvas(ctx, principal, parts[1], parts[3], body)
		if svcErr != nil {
			s.writeError(w, r, svcErr)
			return
		}
		s.writeJSON(w, http.StatusOK, view)

	case len(parts) == 5 && parts[0] == "decks" && parts[2] == "slides" && parts[4] == "comments":
		deckID, slideID := parts[1], parts[3]
		switch r.Method {
		case http.MethodGet:
			views, err := s.svc.GetSlideComments(ctx, principal, deckID, slideID)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			s.writeJSON(w, http.StatusOK, map[string]any{"comments": views})
		case http.MethodPost:
			var input struct {
				Body string `json:"body"`
			}
			if err := decodeBody(r, &input); err != nil {
				s.writeError(w, r, err)
				return
			}
			view, err := s.svc.AddComment(ctx, principal, deckID, slideID, input.Body)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			s.writeJSON(w, http.StatusCreated, view)
		default:
			s.methodNotAllowed(w, r)
		}

	case len(parts) == 4 && parts[0] == "decks" && parts[2] == "comments":
		deckID, commentID := parts[1], parts[3]
		switch r.Method {
		case http.MethodPatch:
			var input struct {
				Body string `json:"body"`
			}
			if err := decodeBody(r, &input); err != nil {
				s.writeError(w, r, err)
				return
			}
			view, err := s.svc.EditComment(ctx, principal, deckID, commentID, input.Body)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			s.writeJSON(w, http.StatusOK, view)
		case http.MethodDelete:
			if err := s.svc.RemoveComment(ctx, principal, deckID, commentID); err != nil {
				s.writeError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			s.methodNotAllowed(w, r)
		}

	case len(parts) == 3 && parts[0] == "decks" && parts[2] == "collaborators":
		deckID := parts[1]
		switch r.Method {
		case http.MethodGet:
			views, err := s.svc.ListCollaborators(ctx, principal, deckID)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			s.writeJSON(w, http.StatusOK, map[string]any{"collaborators": views})
		case http.MethodPost:
			var input InviteInput
			if err := decodeBody(r, &input); err != nil {
				s.writeError(w, r, err)
				return
			}
			view, err := s.svc.InviteCollaborator(ctx, principal, deckID, input)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			s.writeJSON(w, http.StatusCreated, view)
		default:
			s.methodNotAllowed(w, r)
		}

	case len(parts) == 4 && parts[0] == "decks" && parts[2] == "collaborators":
		deckID, collabID := parts[1], parts[3]
		switch r.Method {
		case http.MethodPatch:
			var input struct {
				Role string `json:"role"`
			}
			if err := decodeBody(r, &input); err != nil {
				s.writeError(w, r, err)
				return
			}
			view, err := s.svc.ChangeRole(ctx, principal, deckID, collabID, input.Role)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			s.writeJSON(w, http.StatusOK, view)
		case http.MethodDelete:
			if err := s.svc.RemoveCollaborator(ctx, principal, deckID, collabID); err != nil {
				s.writeError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			s.methodNotAllowed(w, r)
		}

	case len(parts) == 2 && parts[0] == "invites" && parts[1] == "accept" && r.Method == http.MethodPost:
		var input struct {
			Token string `json:"token"`
		}
		if err := decodeBody(r, &input); err != nil {
			s.writeError(w, r, err)
			return
		}
		view, err := s.svc.AcceptInvite(ctx, principal, input.Token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, view)

	case len(parts) == 3 && parts[0] == "decks" && parts[2] == "share" && r.Method == http.MethodPost:
		var input struct {
			Role       string `json:"role"`
			Password   string `json:"password"`
			TTLSeconds int    `json:"ttlSeconds"`
		}
		if err := decodeBody(r, &input); err != nil {
			s.writeError(w, r, err)
			return
		}
		view, err := s.svc.CreateShareLink(ctx, principal, parts[1], input.Role, input.Password, time.Duration(input.TTLSeconds)*time.Second)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, view)

	case len(parts) == 4 && parts[0] == "decks" && parts[2] == "share" && r.Method == http.MethodDelete:
		if err := s.svc.RevokeShareLink(ctx, principal, parts[1], parts[3]); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case len(parts) == 4 && parts[0] == "decks" && parts[2] == "export" && parts[3] == "pdf" && r.Method == http.MethodPost:
		view, err := s.svc.StartDeckExport(ctx, principal, parts[1], r.URL.Query().Get("quality"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, view)

	case len(parts) == 4 && parts[0] == "decks" && parts[2] == "export" && parts[3] == "png" && r.Method == http.MethodGet:
		s.handleRenderPNG(w, r, principal, parts[1])

	case len(parts) == 3 && parts[0] == "exports" && parts[2] == "status" && r.Method == http.MethodGet:
		status, err := s.svc.ExportStatus(parts[1])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, status)

	case len(parts) == 3 && parts[0] == "exports" && parts[2] == "download" && r.Method == http.MethodGet:
		s.handleExportDownload(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "decks" && parts[2] == "history" && r.Method == http.MethodGet:
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				s.writeError(w, r, invalidRequest("limit must be a positive integer"))
				return
			}
			limit = parsed
		}
		views, err := s.svc.DeckHistory(ctx, principal, parts[1], limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"commits": views})

	case len(parts) == 3 && parts[0] == "decks" && parts[2] == "assets":
		deckID := parts[1]
		switch r.Method {
		case http.MethodPost:
			s.handleAssetUpload(w, r, principal, deckID)
		case http.MethodGet:
			url, err := s.svc.AssetURL(ctx, principal, deckID, r.URL.Query().Get("key"))
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			s.writeJSON(w, http.StatusOK, map[string]any{"url": url})
		default:
			s.methodNotAllowed(w, r)
		}

	case len(parts) == 1 && parts[0] == "search" && r.Method == http.MethodGet:
		q := search.Query{
			Text:         r.URL.Query().Get("q"),
			FilterType:   search.ResultType(r.URL.Query().Get("type")),
			FilterDeckID: r.URL.Query().Get("deck"),
		}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				q.Limit = parsed
			}
		}
		resp, err := s.svc.Search(ctx, principal, q)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, resp)

	default:
		s.writeError(w, r, notFound("route"))
	}
}

func (s *Server) handleRenderPNG(w http.ResponseWriter, r *http.Request, principal Principal, deckID string) {
	rawIndex := r.URL.Query().Get("slideIndex")
	slideIndex, err := strconv.Atoi(rawIndex)
	if rawIndex == "" || err != nil {
		s.writeError(w, r, invalidRequest("slideIndex must be an integer"))
		return
	}
	scale := 0.0
	if rawScale := r.URL.Query().Get("scale"); rawScale != "" {
		scale, err = strconv.ParseFloat(rawScale, 64)
		if err != nil || scale <= 0 {
			s.writeError(w, r, invalidRequest("scale must be a positive number"))
			return
		}
	}
	png, err := s.svc.RenderSlidePNG(r.Context(), principal, deckID, slideIndex, scale)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// handleExportDownload streams the artifact and reclaims the job
// afterwards; a completed export can be downloaded exactly once.
func (s *Server) handleExportDownload(w http.ResponseWriter, r *http.Request, jobID string) {
	path, filename, err := s.svc.ExportResult(jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	file, err := os.Open(path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer file.Close()
	defer s.svc.CleanupExport(jobID)

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, file); err != nil {
		s.logger.Warn("export download interrupted", zap.String("job", jobID), zap.Error(err))
	}
}

func (s *Server) handleAssetUpload(w http.ResponseWriter, r *http.Request, principal Principal, deckID string) {
	if err := r.ParseMultipartForm(maxAssetBytes); err != nil {
		s.writeError(w, r, invalidRequest("expected multipart upload"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, invalidRequest("missing file field"))
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	asset, err := s.svc.UploadAsset(r.Context(), principal, deckID, header.Filename, contentType, header.Size, file)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, asset)
}

func (s *Server) requirePrincipal(r *http.Request) (Principal, error) {
	token := bearerToken(r)
	if token == "" {
		return Principal{}, unauthorized("missing bearer token")
	}
	return s.svc.PrincipalFromToken(r.Context(), token)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, &DomainError{Status: http.StatusMethodNotAllowed, Code: "method-not-allowed", Message: "method not allowed"})
}

// Middleware and helpers

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		w.Header().Set("X-Request-ID", requestID)
		s.setCORSHeaders(w)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Websocket upgrades need the raw ResponseWriter; wrapping it
		// would hide http.Hijacker from the upgrader.
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		s.logger.Info("request",
			zap.String("id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", recorder.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) setCORSHeaders(w http.ResponseWriter) {
	origin := s.corsOrigin
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	domainErr := mapError(err)
	if domainErr.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	s.writeJSON(w, domainErr.Status, map[string]any{"error": domainErr})
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return invalidRequest("empty request body")
		}
		return invalidRequest("malformed request body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
