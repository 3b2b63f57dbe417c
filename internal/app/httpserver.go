package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Spok95/healthed-server/internal/access"
	"github.com/Spok95/healthed-server/internal/auth"
	"github.com/Spok95/healthed-server/internal/badges"
	"github.com/Spok95/healthed-server/internal/ctxutil"
	"github.com/Spok95/healthed-server/internal/docstore"
	"github.com/Spok95/healthed-server/internal/logging"
	"github.com/Spok95/healthed-server/internal/metrics"
	"github.com/Spok95/healthed-server/internal/observability"
	"github.com/Spok95/healthed-server/internal/progress"
	"github.com/Spok95/healthed-server/internal/session"
)

// TokenVerifier: проверка токена внешнего провайдера личности.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

type APIConfig struct {
	Cookie string
	TTL    time.Duration
	Secure bool
}

// API: HTTP-транспорт поверх Service.
type API struct {
	svc      *Service
	sessions session.Store
	verifier TokenVerifier
	store    docstore.Store
	cfg      APIConfig
	log      *zap.Logger
}

func NewAPI(svc *Service, sessions session.Store, verifier TokenVerifier, store docstore.Store, cfg APIConfig, log *zap.Logger) *API {
	if cfg.Cookie == "" {
		cfg.Cookie = "healthed_session"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &API{svc: svc, sessions: sessions, verifier: verifier, store: store, cfg: cfg, log: logging.OrNop(log).Named("http")}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(a.metricsMiddleware)

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(a.sessionMiddleware)

		r.Post("/register", a.handleRegister)
		r.Post("/login", a.handleLogin)
		r.Post("/logout", a.handleLogout)

		r.With(a.requireSession).Get("/progress", a.handleProgress)
		r.With(a.requireSession).Post("/quiz/{moduleID}/{quizType}", a.handleQuizSubmit)
		r.With(a.requireSession).Get("/check_pre_quiz/{moduleID}", a.handleCheckPreQuiz)
		r.With(a.requireSession).Get("/modules/{moduleID}/access", a.handleModuleAccess)
		r.With(a.requireSession).Post("/sync_all_progress", a.handleSyncAll)
		r.With(a.requireSession).Get("/student/achievements", a.handleAchievements)
		r.With(a.requireSession).Post("/student/connect", a.handleConnect)
		r.With(a.requireSession).Post("/age_group", a.handleAgeGroup)

		r.With(a.requireSession).Get("/teacher/students/progress", a.handleStudentsProgress)
		r.With(a.requireSession).Post("/teacher/students/badge", a.handleAssignBadge)
	})
	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 800*time.Millisecond)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable")
		return
	}
	_, _ = w.Write([]byte("ok"))
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (a *API) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

// sessionWriter сохраняет сессию перед отправкой заголовков ответа.
// Анонимные сессии не сохраняются.
type sessionWriter struct {
	http.ResponseWriter
	api     *API
	ctx     context.Context
	sess    *session.Session
	flushed bool
}

func (s *sessionWriter) persist() {
	if s.flushed {
		return
	}
	s.flushed = true
	a := s.api
	if prev := s.sess.PrevToken(); prev != "" {
		if err := a.sessions.Delete(s.ctx, prev); err != nil {
			a.log.Warn("не удалось удалить прежнюю сессию", zap.Error(err))
		}
	}
	switch {
	case s.sess.Destroyed():
		if err := a.sessions.Delete(s.ctx, s.sess.Token); err != nil {
			a.log.Warn("не удалось удалить сессию", zap.Error(err))
		}
		http.SetCookie(s.ResponseWriter, &http.Cookie{
			Name: a.cfg.Cookie, Value: "", Path: "/", MaxAge: -1,
			HttpOnly: true, Secure: a.cfg.Secure, SameSite: http.SameSiteLaxMode,
		})
	case s.sess.Dirty() && s.sess.Authenticated():
		if err := a.sessions.Save(s.ctx, s.sess, a.cfg.TTL); err != nil {
			a.log.Warn("не удалось сохранить сессию", zap.String("uid", s.sess.UID), zap.Error(err))
			return
		}
		http.SetCookie(s.ResponseWriter, &http.Cookie{
			Name: a.cfg.Cookie, Value: s.sess.Token, Path: "/", MaxAge: int(a.cfg.TTL.Seconds()),
			HttpOnly: true, Secure: a.cfg.Secure, SameSite: http.SameSiteLaxMode,
		})
	}
}

func (s *sessionWriter) WriteHeader(code int) {
	s.persist()
	s.ResponseWriter.WriteHeader(code)
}

func (s *sessionWriter) Write(b []byte) (int, error) {
	s.persist()
	return s.ResponseWriter.Write(b)
}

func (a *API) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sess *session.Session
		if c, err := r.Cookie(a.cfg.Cookie); err == nil && c.Value != "" {
			loaded, err := a.sessions.Load(r.Context(), c.Value)
			switch {
			case err == nil:
				sess = loaded
			case !errors.Is(err, session.ErrNoSession):
				a.log.Warn("хранилище сессий недоступно", zap.Error(err))
			}
		}
		if sess == nil {
			sess = session.New()
		}
		sw := &sessionWriter{ResponseWriter: w, api: a, ctx: context.WithoutCancel(r.Context()), sess: sess}
		next.ServeHTTP(sw, r.WithContext(session.WithSession(r.Context(), sess)))
		sw.persist()
	})
}

func (a *API) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := session.FromContext(r.Context())
		if !sess.Authenticated() {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(ctxutil.WithUID(r.Context(), sess.UID)))
	})
}

// Handlers

type progressBody struct {
	Progress map[string]any `json:"progress"`
}

func (a *API) identity(r *http.Request) (auth.Identity, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return auth.Identity{}, ErrUnauthorized
	}
	id, err := a.verifier.Verify(token)
	if err != nil {
		return auth.Identity{}, ErrUnauthorized
	}
	return id, nil
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	id, err := a.identity(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var body progressBody
	if err := decodeOptionalJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	res, err := a.svc.OnLogin(r.Context(), session.FromContext(r.Context()), id, body.Progress)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, pendingStatus(res.SyncPending), res)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	id, err := a.identity(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var body RegisterInput
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	res, err := a.svc.Register(r.Context(), session.FromContext(r.Context()), id, body)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.svc.OnLogout(session.FromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleProgress(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.OnProgressQuery(r.Context(), session.FromContext(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleQuizSubmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Score any `json:"score"`
	}
	if err := decodeOptionalJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	res, err := a.svc.OnQuizSubmit(r.Context(), session.FromContext(r.Context()),
		chi.URLParam(r, "moduleID"), chi.URLParam(r, "quizType"), progress.Number(body.Score))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !res.Accepted {
		writeError(w, rejectStatus(res.Reason), string(res.Reason))
		return
	}
	writeJSON(w, pendingStatus(res.SyncPending), res)
}

func (a *API) handleCheckPreQuiz(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.CheckPreQuiz(r.Context(), session.FromContext(r.Context()), chi.URLParam(r, "moduleID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleModuleAccess(w http.ResponseWriter, r *http.Request) {
	d, err := a.svc.ModuleAccess(r.Context(), session.FromContext(r.Context()), chi.URLParam(r, "moduleID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if d.Reason == access.ReasonUnknownModule {
		status = http.StatusNotFound
	}
	writeJSON(w, status, d)
}

func (a *API) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	var body progressBody
	if err := decodeOptionalJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	res, err := a.svc.SyncAll(r.Context(), session.FromContext(r.Context()), body.Progress)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Partial {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, res)
}

func (a *API) handleAchievements(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.Achievements(r.Context(), session.FromContext(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TeacherCode string `json:"teacher_code"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	res, err := a.svc.ConnectTeacher(r.Context(), session.FromContext(r.Context()), body.TeacherCode)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleAgeGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgeGroup string `json:"age_group"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := a.svc.SetAgeGroup(r.Context(), session.FromContext(r.Context()), body.AgeGroup); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"age_group": strings.TrimSpace(body.AgeGroup)})
}

func (a *API) handleStudentsProgress(w http.ResponseWriter, r *http.Request) {
	rows, err := a.svc.StudentsProgress(r.Context(), session.FromContext(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"students": rows})
}

func (a *API) handleAssignBadge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StudentID string `json:"student_id"`
		Badge     string `json:"badge"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	res, err := a.svc.AssignBadge(r.Context(), session.FromContext(r.Context()), body.StudentID, body.Badge)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Errors

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, ErrForbidden), errors.Is(err, badges.ErrNotOwner):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, ErrInvalidInput), errors.Is(err, badges.ErrEmptyName):
		writeError(w, http.StatusBadRequest, "invalid_input")
	case errors.Is(err, ErrTeacherNotFound):
		writeError(w, http.StatusNotFound, "teacher_not_found")
	case errors.Is(err, ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user_not_found")
	case errors.Is(err, ErrAlreadyRegistered):
		writeError(w, http.StatusConflict, "already_registered")
	case errors.Is(err, docstore.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable")
	default:
		a.log.Error("ошибка обработки запроса", zap.String("path", r.URL.Path), zap.Error(err))
		observability.CaptureErr(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

func pendingStatus(pending bool) int {
	if pending {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func rejectStatus(reason access.Reason) int {
	switch reason {
	case access.ReasonAgeRestricted:
		return http.StatusForbidden
	case access.ReasonUnknownModule:
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

// Utilities

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

// decodeOptionalJSON допускает пустое тело.
func decodeOptionalJSON(r *http.Request, out interface{}) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// Server

type HTTPServer struct {
	srv  *http.Server
	done chan struct{}
}

// Done закрывается после остановки сервера.
func (s *HTTPServer) Done() <-chan struct{} { return s.done }

func StartHTTP(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) *HTTPServer {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	done := make(chan struct{})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.OrNop(log).Error("http сервер остановлен", zap.Error(err))
		}
	}()

	go func() {
		defer close(done)
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	return &HTTPServer{srv: srv, done: done}
}
