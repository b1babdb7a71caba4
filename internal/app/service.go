package app

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/auth"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/config"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/crdt"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/export"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/presence"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/room"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/search"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/util"
)

type roomDirectory interface {
	Rooms() []room.Info
	Document(ctx context.Context, documentID string) (room.View, error)
}

type presenceDirectory interface {
	List(documentID string) []presence.Entry
}

// presenceMirror lists entries written by every node, not only this one.
type presenceMirror interface {
	List(ctx context.Context, documentID string) ([]presence.Entry, error)
}

type searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

// Check is one dependency probed by the readiness endpoint.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Color     string
	ExpiresAt time.Time
}

// DocumentPayload is what the document endpoint returns: the content as
// runs plus the same content as a ProseMirror tree.
type DocumentPayload struct {
	DocumentID  string               `json:"documentId"`
	Version     uint64               `json:"version"`
	Live        bool                 `json:"live"`
	Text        string               `json:"text"`
	Content     crdt.Content         `json:"content"`
	ProseMirror crdt.ProseMirrorNode `json:"prosemirror"`
}

type Service struct {
	cfg      config.Config
	secret   []byte
	rooms    roomDirectory
	presence presenceDirectory
	mirror   presenceMirror
	search   searcher
	checks   []Check
	log      *zap.Logger
	now      func() time.Time
}

func New(cfg config.Config, rooms roomDirectory, pres presenceDirectory, searchService searcher, log *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		secret:   []byte(cfg.JWTSecret),
		rooms:    rooms,
		presence: pres,
		search:   searchService,
		log:      log.Named("app"),
		now:      time.Now,
	}
}

// WithPresenceMirror makes presence listings cluster-wide.
func (s *Service) WithPresenceMirror(mirror presenceMirror) *Service {
	s.mirror = mirror
	return s
}

func (s *Service) AddCheck(name string, ping func(ctx context.Context) error) {
	s.checks = append(s.checks, Check{Name: name, Ping: ping})
}

// Authenticate verifies the bearer token on r. The WebSocket transport and
// the HTTP API share it.
func (s *Service) Authenticate(r *http.Request) (auth.Identity, error) {
	token, err := auth.BearerToken(r)
	if err != nil {
		return auth.Identity{}, err
	}
	return auth.ParseToken(s.secret, token)
}

// Login issues a token for a display name when dev login is on. In
// production an external identity service issues tokens. The user id is
// derived from the name so repeated logins map to the same user.
func (s *Service) Login(name string) (Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if !s.cfg.DevLogin {
		return Session{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	identity := auth.Identity{
		UserID: userIDForName(name),
		Name:   name,
		Color:  colorForName(name),
	}
	ttl := s.cfg.TokenTTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	token, err := auth.IssueToken(s.secret, identity, ttl)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    identity.UserID,
		UserName:  identity.Name,
		Color:     identity.Color,
		ExpiresAt: s.now().Add(ttl),
	}, nil
}

// Ready probes every registered dependency.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	ok := true
	checks := make(map[string]any, len(s.checks))
	for _, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			ok = false
			checks[check.Name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[check.Name] = map[string]any{"status": "ok"}
	}
	return ok, checks
}

func (s *Service) Rooms() []room.Info {
	return s.rooms.Rooms()
}

func (s *Service) Document(ctx context.Context, documentID string) (DocumentPayload, error) {
	if !util.ValidID(documentID) {
		return DocumentPayload{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	view, err := s.rooms.Document(ctx, documentID)
	if err != nil {
		return DocumentPayload{}, err
	}
	content := view.Content
	if content == nil {
		content = crdt.Content{}
	}
	return DocumentPayload{
		DocumentID:  view.DocumentID,
		Version:     view.Version,
		Live:        view.Live,
		Text:        content.PlainText(),
		Content:     content,
		ProseMirror: content.ProseMirror(),
	}, nil
}

// Presence lists who is in a room. With a mirror configured the list covers
// every node; if the mirror fails the local view is returned instead.
func (s *Service) Presence(ctx context.Context, documentID string) ([]presence.Entry, error) {
	if !util.ValidID(documentID) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	if s.mirror != nil {
		entries, err := s.mirror.List(ctx, documentID)
		if err == nil {
			return nonNilEntries(entries), nil
		}
		s.log.Warn("presence mirror unavailable, using local view", zap.String("documentId", documentID), zap.Error(err))
	}
	return nonNilEntries(s.presence.List(documentID)), nil
}

func (s *Service) Export(ctx context.Context, documentID, format string) (*export.Result, error) {
	if format == "" {
		format = string(export.FormatHTML)
	}
	doc, err := s.Document(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return export.Render(export.Document{
		ID:        doc.DocumentID,
		Version:   doc.Version,
		Content:   doc.Content,
		UpdatedAt: s.now().UTC(),
	}, export.Format(format))
}

func (s *Service) Search(ctx context.Context, text string, limit, offset int) (search.Response, error) {
	if limit < 1 || limit > 100 {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be between 1 and 100", nil)
	}
	if offset < 0 {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must not be negative", nil)
	}
	return s.search.Search(ctx, search.Query{Text: strings.TrimSpace(text), Limit: limit, Offset: offset}), nil
}

func userIDForName(name string) string {
	sum := sha1.Sum([]byte(strings.ToLower(name)))
	return "user_" + hex.EncodeToString(sum[:])[:16]
}

var presenceColors = []string{"#e11d48", "#2563eb", "#16a34a", "#d97706", "#7c3aed", "#0891b2", "#db2777", "#65a30d"}

func colorForName(name string) string {
	sum := sha1.Sum([]byte(name))
	return presenceColors[int(sum[0])%len(presenceColors)]
}

func nonNilEntries(entries []presence.Entry) []presence.Entry {
	if entries == nil {
		return []presence.Entry{}
	}
	return entries
}
