package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fieldhouse/api/internal/assistant"
	"fieldhouse/api/internal/auth"
	"fieldhouse/api/internal/authpw"
	"fieldhouse/api/internal/config"
	"fieldhouse/api/internal/content"
	"fieldhouse/api/internal/gitrepo"
	"fieldhouse/api/internal/media"
	"fieldhouse/api/internal/rbac"
	"fieldhouse/api/internal/search"
	"fieldhouse/api/internal/session"
	"fieldhouse/api/internal/store"
	"fieldhouse/api/internal/util"

	"go.uber.org/zap"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
	// Provider is set for sessions carried by a hosted auth provider token.
	Provider bool
}

type dataStore interface {
	Ping(context.Context) error
	GetAdminUserByID(context.Context, string) (store.AdminUser, error)
	ListAdminUsers(context.Context) ([]store.AdminUser, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, identity auth.Identity, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (auth.Identity, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type chatAssistant interface {
	Chat(ctx context.Context, userID, message string) (assistant.Reply, error)
	Reset(ctx context.Context, userID string) error
}

type contentSearcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type mediaUploader interface {
	Upload(ctx context.Context, contentType string, size int64, body io.Reader) (media.Upload, error)
}

type passwordAuth interface {
	SignIn(ctx context.Context, req authpw.SignInRequest) (store.AdminUser, error)
	ChangePassword(ctx context.Context, userID, current, next string) error
}

type contentArchive interface {
	ReadSnapshot(page, key string) (gitrepo.Snapshot, error)
	History(page, key string, limit int) ([]gitrepo.CommitInfo, error)
}

type pinger interface {
	Ping(context.Context) error
}

// Deps are the collaborators built by the serve command. Optional ones may
// be nil; the endpoints that need them answer 503.
type Deps struct {
	Store     *store.PostgresStore
	Content   *content.Service
	Assistant *assistant.Assistant
	Search    *search.Service
	Media     *media.Storage
	Archive   *gitrepo.Service
	Passwords *authpw.Service
	Provider  *auth.ProviderVerifier
	Redis     *session.RedisStore
	Logger    *zap.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	content   *content.Service
	assistant chatAssistant
	search    contentSearcher
	media     mediaUploader
	archive   contentArchive
	passwords passwordAuth
	provider  *auth.ProviderVerifier
	refresh   refreshStore
	checks    map[string]pinger
	log       *zap.Logger
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:      cfg,
		content:  deps.Content,
		provider: deps.Provider,
		checks:   map[string]pinger{},
		log:      logger,
		now:      time.Now,
	}
	if deps.Store != nil {
		s.store = deps.Store
		s.refresh = pgRefreshSessions{store: deps.Store}
		s.checks["database"] = deps.Store
	}
	if deps.Redis != nil {
		s.refresh = deps.Redis
		s.checks["redis"] = deps.Redis
	}
	if deps.Assistant != nil {
		s.assistant = deps.Assistant
	}
	if deps.Search != nil {
		s.search = deps.Search
	}
	if deps.Media != nil {
		s.media = deps.Media
	}
	if deps.Archive != nil {
		s.archive = deps.Archive
	}
	if deps.Passwords != nil {
		s.passwords = deps.Passwords
	}
	return s
}

// pgRefreshSessions keeps refresh tokens in Postgres when Redis is not configured.
type pgRefreshSessions struct {
	store *store.PostgresStore
}

func (p pgRefreshSessions) SaveRefreshSession(ctx context.Context, tokenHash string, identity auth.Identity, expiresAt time.Time) error {
	return p.store.SaveRefreshSession(ctx, tokenHash, identity.UserID, expiresAt)
}

func (p pgRefreshSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (auth.Identity, error) {
	user, err := p.store.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return auth.Identity{}, err
	}
	return identityFromAdmin(user), nil
}

func (p pgRefreshSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return p.store.RevokeRefreshSession(ctx, tokenHash)
}

func identityFromAdmin(user store.AdminUser) auth.Identity {
	return auth.Identity{UserID: user.ID, Name: user.DisplayName, Email: user.Email, Role: user.Role}
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	if s.store == nil {
		return errors.New("database not configured")
	}
	return s.store.Ping(ctx)
}

// Ready runs every dependency check and reports each by name.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	ok := true
	checks := map[string]any{}
	if _, has := s.checks["database"]; !has {
		ok = false
		checks["database"] = map[string]any{"status": "error", "error": "database not configured"}
	}
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			ok = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	return ok, checks
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	if s.passwords == nil {
		return Session{}, unavailable("AUTH", "Authentication")
	}
	user, err := s.passwords.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, identityFromAdmin(user))
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" || s.refresh == nil {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	identity, err := s.refresh.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, session.ErrSessionNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if s.store != nil {
		user, err := s.store.GetAdminUserByID(ctx, identity.UserID)
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		if err != nil {
			return Session{}, err
		}
		if user.DeactivatedAt != nil {
			return Session{}, auth.ErrInvalidToken
		}
		identity = identityFromAdmin(user)
	}
	if err := s.refresh.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, identity)
}

func (s *Service) issueSession(ctx context.Context, identity auth.Identity) (Session, error) {
	jti := util.NewID("jti")
	claims := auth.NewClaims(identity.UserID, identity.Name, identity.Email, identity.Role, jti, s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken()
	if s.refresh != nil {
		if err := s.refresh.SaveRefreshSession(ctx, auth.HashToken(refresh), identity, s.now().Add(s.cfg.RefreshTTL)); err != nil {
			return Session{}, fmt.Errorf("save refresh session: %w", err)
		}
	} else {
		refresh = ""
	}

	s.log.Info("session issued", zap.String("user_id", identity.UserID), zap.String("role", identity.Role))
	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       identity.UserID,
		UserName:     identity.Name,
		Email:        identity.Email,
		Role:         identity.Role,
		JTI:          jti,
		ExpiresAt:    claims.Expiry(),
	}, nil
}

// SessionFromToken accepts access tokens issued here and, when configured,
// tokens from the hosted auth provider.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) && s.provider.Enabled() {
			return s.providerSession(token)
		}
		return Session{}, err
	}

	if s.store != nil {
		revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.ID)
		if err != nil {
			return Session{}, err
		}
		if revoked {
			return Session{}, auth.ErrInvalidToken
		}
	}

	out := Session{
		Token:     token,
		UserID:    claims.Subject,
		UserName:  claims.Name,
		Email:     claims.Email,
		Role:      claims.Role,
		JTI:       claims.ID,
		ExpiresAt: claims.Expiry(),
	}
	if s.store != nil {
		user, err := s.store.GetAdminUserByID(ctx, claims.Subject)
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		if err != nil {
			return Session{}, err
		}
		if user.DeactivatedAt != nil {
			return Session{}, auth.ErrInvalidToken
		}
		out.UserName = user.DisplayName
		out.Email = user.Email
		out.Role = user.Role
	}
	return out, nil
}

func (s *Service) providerSession(token string) (Session, error) {
	identity, err := s.provider.Verify(token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:    token,
		UserID:   identity.UserID,
		UserName: identity.Name,
		Email:    identity.Email,
		Role:     identity.Role,
		Provider: true,
	}, nil
}

func (s *Service) Logout(ctx context.Context, sess Session, refreshToken string) error {
	if sess.JTI != "" && s.store != nil {
		if err := s.store.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt); err != nil {
			s.log.Warn("revoke access token failed", zap.String("user_id", sess.UserID), zap.Error(err))
		}
	}
	if refreshToken != "" && s.refresh != nil {
		if err := s.refresh.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.log.Warn("revoke refresh session failed", zap.String("user_id", sess.UserID), zap.Error(err))
		}
	}
	return nil
}

// ChangePassword updates the password of a local account. Provider sessions
// have no password here.
func (s *Service) ChangePassword(ctx context.Context, sess Session, current, next string) error {
	if s.passwords == nil {
		return unavailable("AUTH", "Authentication")
	}
	if sess.Provider {
		return domainError(http.StatusConflict, "PROVIDER_ACCOUNT", "Password is managed by the sign-in provider", nil)
	}
	if err := s.passwords.ChangePassword(ctx, sess.UserID, current, next); err != nil {
		return err
	}
	s.log.Info("admin password changed", zap.String("user_id", sess.UserID))
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) PageContent(ctx context.Context, page string) (content.Page, error) {
	page = strings.TrimSpace(page)
	if page == "" {
		return content.Page{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "page is required", nil)
	}
	known := false
	for _, p := range s.content.Catalog().Pages() {
		if p == page {
			known = true
			break
		}
	}
	if !known {
		return content.Page{}, domainError(http.StatusNotFound, "NOT_FOUND", "Unknown page", map[string]any{"page": page})
	}
	return s.content.PageContent(ctx, page)
}

func (s *Service) GetContent(ctx context.Context, key string) (map[string]any, error) {
	record, err := s.content.GetContent(ctx, key)
	if err != nil {
		return nil, err
	}
	return contentView(record), nil
}

func (s *Service) Preview(ctx context.Context, token string) (map[string]any, error) {
	preview, err := s.content.Preview(ctx, token)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"draft":      draftView(preview.Draft, preview.PreviewURL),
		"previewUrl": preview.PreviewURL,
		"changes":    preview.Changes,
		"page":       preview.Page,
		"current":    nil,
	}
	if preview.Current != nil {
		payload["current"] = *preview.Current
	}
	return payload, nil
}

func (s *Service) ListDrafts(ctx context.Context) ([]map[string]any, error) {
	drafts, err := s.content.ListDrafts(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(drafts))
	for _, draft := range drafts {
		items = append(items, draftView(draft, s.content.PreviewURL(draft)))
	}
	return items, nil
}

func (s *Service) Publish(ctx context.Context, draftID, actor string) (map[string]any, error) {
	result, err := s.content.Publish(ctx, draftID, actor)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"ok": true, "content": contentView(result.Record), "version": nil}
	if result.Version != nil {
		payload["version"] = versionView(*result.Version)
	}
	return payload, nil
}

func (s *Service) Cancel(ctx context.Context, draftID, actor string) (map[string]any, error) {
	if err := s.content.Cancel(ctx, draftID, actor); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "draftId": draftID}, nil
}

func (s *Service) History(ctx context.Context, key string, limit int) (map[string]any, error) {
	versions, err := s.content.History(ctx, key, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		items = append(items, versionView(version))
	}
	return map[string]any{"contentKey": key, "versions": items}, nil
}

func (s *Service) Rollback(ctx context.Context, versionID, actor string) (map[string]any, error) {
	result, err := s.content.Rollback(ctx, versionID, actor)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ok":      true,
		"content": contentView(result.Record),
		"version": versionView(result.Version),
	}, nil
}

// Archive returns the archived snapshot of key and the commits that touched it.
func (s *Service) Archive(key string, limit int) (map[string]any, error) {
	if s.archive == nil {
		return nil, unavailable("ARCHIVE", "Content archive")
	}
	entry, ok := s.content.Catalog().Lookup(key)
	if !ok {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Unknown content key", map[string]any{"contentKey": key})
	}
	snapshot, err := s.archive.ReadSnapshot(entry.Page, key)
	if err != nil {
		return nil, err
	}
	commits, err := s.archive.History(entry.Page, key, limit)
	if err != nil {
		return nil, err
	}
	if commits == nil {
		commits = []gitrepo.CommitInfo{}
	}
	return map[string]any{"contentKey": key, "snapshot": snapshot, "commits": commits}, nil
}

func (s *Service) Chat(ctx context.Context, sess Session, message string) (assistant.Reply, error) {
	if s.assistant == nil {
		return assistant.Reply{}, unavailable("ASSISTANT", "Assistant")
	}
	return s.assistant.Chat(ctx, sess.UserID, message)
}

func (s *Service) ResetChat(ctx context.Context, sess Session) error {
	if s.assistant == nil {
		return unavailable("ASSISTANT", "Assistant")
	}
	return s.assistant.Reset(ctx, sess.UserID)
}

func (s *Service) Upload(ctx context.Context, contentType string, size int64, body io.Reader) (media.Upload, error) {
	if s.media == nil {
		return media.Upload{}, media.ErrNotConfigured
	}
	return s.media.Upload(ctx, contentType, size, body)
}

func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	if strings.TrimSpace(q.Text) == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
	}
	if s.search == nil {
		return search.Response{}, unavailable("SEARCH", "Search")
	}
	return s.search.Search(ctx, q), nil
}

func contentView(record store.ContentRecord) map[string]any {
	payload := map[string]any{
		"contentKey": record.Key,
		"type":       record.Type,
		"page":       record.Page,
		"section":    record.Section,
		"content":    record.Value,
		"updatedBy":  record.UpdatedBy,
		"updatedAt":  nil,
	}
	if !record.UpdatedAt.IsZero() {
		payload["updatedAt"] = record.UpdatedAt
	}
	return payload
}

func draftView(draft store.Draft, previewURL string) map[string]any {
	return map[string]any{
		"id":         draft.ID,
		"contentKey": draft.ContentKey,
		"type":       draft.Type,
		"content":    draft.Value,
		"createdBy":  draft.CreatedBy,
		"createdAt":  draft.CreatedAt,
		"expiresAt":  draft.ExpiresAt,
		"previewUrl": previewURL,
	}
}

// ListAdminUsers returns local accounts without their password hashes.
func (s *Service) ListAdminUsers(ctx context.Context) ([]map[string]any, error) {
	if s.store == nil {
		return nil, unavailable("STORE", "Store")
	}
	users, err := s.store.ListAdminUsers(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		items = append(items, map[string]any{
			"id":          user.ID,
			"email":       user.Email,
			"displayName": user.DisplayName,
			"role":        user.Role,
			"active":      user.DeactivatedAt == nil,
			"createdAt":   user.CreatedAt,
		})
	}
	return items, nil
}

func versionView(version store.Version) map[string]any {
	return map[string]any{
		"id":              version.ID,
		"contentKey":      version.ContentKey,
		"type":            version.ContentType,
		"content":         version.Value,
		"reason":          version.Reason,
		"draftId":         version.DraftID,
		"sourceVersionId": version.SourceVersionID,
		"changedBy":       version.ChangedBy,
		"changedAt":       version.ChangedAt,
	}
}
