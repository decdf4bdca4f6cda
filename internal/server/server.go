// Package server exposes the admin HTTP API: connection control, message
// history, knowledge management, settings and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"wagate/internal/config"
	"wagate/internal/domain"
	"wagate/internal/export"
	"wagate/internal/gateway"
	"wagate/internal/knowledge"
	"wagate/internal/metrics"
)

const maxJSONBodySize = 1 << 20 // 1MB

// Server is the admin API over the gateway and its collaborators.
type Server struct {
	cfg       config.ServerConfig
	gateway   *gateway.Gateway
	pipeline  *knowledge.Pipeline
	store     Store
	models    ModelLister
	porter    *export.Porter
	webhook   http.Handler
	uploadDir string
	maxUpload int64
	logger    *slog.Logger
	server    *http.Server
}

// Store is the persistence surface the admin API reads and writes.
type Store interface {
	domain.MessageStore
	domain.KnowledgeStore
	domain.SettingsStore
	domain.ReplyLog
}

// ModelLister reports the models the enabled providers can serve.
type ModelLister interface {
	AvailableModels() []string
}

type Config struct {
	Server    config.ServerConfig
	Knowledge config.KnowledgeConfig
	Gateway   *gateway.Gateway
	Pipeline  *knowledge.Pipeline
	Store     Store
	Models    ModelLister
	Porter    *export.Porter
	Webhook   http.Handler // Cloud API inbound; mounted unauthenticated
	Logger    *slog.Logger
}

func New(cfg Config) *Server {
	maxUpload := int64(cfg.Knowledge.MaxUploadMB)
	if maxUpload <= 0 {
		maxUpload = 20
	}
	return &Server{
		cfg:       cfg.Server,
		gateway:   cfg.Gateway,
		pipeline:  cfg.Pipeline,
		store:     cfg.Store,
		models:    cfg.Models,
		porter:    cfg.Porter,
		webhook:   cfg.Webhook,
		uploadDir: cfg.Knowledge.UploadDir,
		maxUpload: maxUpload << 20,
		logger:    cfg.Logger,
	}
}

// Handler builds the full route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/bot/status", s.auth(s.handleStatus))
	mux.HandleFunc("POST /api/bot/connect", s.auth(s.handleConnect))
	mux.HandleFunc("POST /api/bot/switch", s.auth(s.handleConnect))
	mux.HandleFunc("POST /api/bot/disconnect", s.auth(s.handleDisconnect))

	mux.HandleFunc("GET /api/messages", s.auth(s.handleListMessages))
	mux.HandleFunc("POST /api/messages/send", s.auth(s.handleSendMessage))

	mux.HandleFunc("GET /api/knowledge", s.auth(s.handleListDocuments))
	mux.HandleFunc("POST /api/knowledge/upload", s.auth(s.handleUpload))
	mux.HandleFunc("DELETE /api/knowledge/{id}", s.auth(s.handleDeleteDocument))
	mux.HandleFunc("GET /api/knowledge/tasks", s.auth(s.handleListTasks))

	mux.HandleFunc("GET /api/settings/{category}", s.auth(s.handleGetSettings))
	mux.HandleFunc("PUT /api/settings/{category}", s.auth(s.handlePutSettings))

	mux.HandleFunc("GET /api/models", s.auth(s.handleModels))
	mux.HandleFunc("GET /api/replies", s.auth(s.handleListReplies))

	mux.HandleFunc("GET /api/export", s.auth(s.handleExport))
	mux.HandleFunc("POST /api/import", s.auth(s.handleImport))

	mux.HandleFunc("GET /metrics", metrics.Collector.Handler())

	if s.webhook != nil {
		mux.Handle("/webhook/", s.webhook)
	}

	return mux
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("admin API started", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// auth wraps a handler with the bearer token check. An empty configured key
// leaves the API open (local-only deployments).
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != s.cfg.APIKey {
				writeError(rw, http.StatusUnauthorized, "invalid API key")
				return
			}
		}
		next(rw, r)
	}
}

// --- bot lifecycle ---

func (s *Server) handleStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.gateway.Status())
}

func (s *Server) handleConnect(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		Transport string `json:"transport"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}

	err := s.gateway.Connect(r.Context(), domain.TransportKind(req.Transport))
	switch {
	case err == nil:
		writeJSON(rw, http.StatusOK, s.gateway.Status())
	case errors.Is(err, gateway.ErrTransitionInProgress):
		writeError(rw, http.StatusConflict, err.Error())
	case domain.IsKind(err, domain.KindConfiguration):
		writeError(rw, http.StatusBadRequest, err.Error())
	default:
		writeError(rw, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleDisconnect(rw http.ResponseWriter, r *http.Request) {
	if err := s.gateway.Disconnect(r.Context()); err != nil {
		if errors.Is(err, gateway.ErrTransitionInProgress) {
			writeError(rw, http.StatusConflict, err.Error())
			return
		}
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, s.gateway.Status())
}

// --- messages ---

func (s *Server) handleListMessages(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.MessageFilter{
		Counterparty: q.Get("counterparty"),
		Direction:    domain.Direction(q.Get("direction")),
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	msgs, err := s.store.QueryMessages(r.Context(), filter)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(rw, http.StatusOK, msgs)
}

func (s *Server) handleSendMessage(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		To       string `json:"to"`
		Body     string `json:"body"`
		MediaURL string `json:"mediaUrl,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	if req.To == "" || (req.Body == "" && req.MediaURL == "") {
		writeError(rw, http.StatusBadRequest, "to and body (or mediaUrl) are required")
		return
	}

	msg, err := s.gateway.Send(r.Context(), req.To, req.Body, req.MediaURL)
	if err != nil {
		if msg != nil {
			// Delivered but not recorded; surface both facts.
			writeJSON(rw, http.StatusAccepted, map[string]any{
				"message": msg,
				"warning": "sent but not recorded: " + err.Error(),
			})
			return
		}
		writeError(rw, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, msg)
}

// --- knowledge ---

func (s *Server) handleListDocuments(rw http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	docs, err := s.store.ListDocuments(r.Context(), limit, offset)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	writeJSON(rw, http.StatusOK, docs)
}

func (s *Server) handleUpload(rw http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(rw, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		writeError(rw, http.StatusRequestEntityTooLarge, "upload too large or malformed")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(rw, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	path, size, err := s.spoolUpload(file, header)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}

	mimeType := header.Header.Get("Content-Type")
	id, err := s.pipeline.Submit(r.Context(), header.Filename, mimeType, path, size)
	if err != nil {
		os.Remove(path)
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(rw, http.StatusAccepted, map[string]string{"id": id, "status": string(domain.DocumentUploaded)})
}

// spoolUpload copies the multipart part to the upload directory so the
// pipeline can process it after this request completes.
func (s *Server) spoolUpload(file multipart.File, header *multipart.FileHeader) (string, int64, error) {
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return "", 0, err
	}
	dst, err := os.CreateTemp(s.uploadDir, "upload-*"+filepath.Ext(header.Filename))
	if err != nil {
		return "", 0, err
	}
	defer dst.Close()

	size, err := io.Copy(dst, file)
	if err != nil {
		os.Remove(dst.Name())
		return "", 0, err
	}
	return dst.Name(), size, nil
}

func (s *Server) handleDeleteDocument(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.pipeline.Delete(r.Context(), id); err != nil {
		if domain.IsKind(err, domain.KindPersistence) {
			writeError(rw, http.StatusNotFound, err.Error())
			return
		}
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTasks(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.pipeline.Tasks().List())
}

// --- settings ---

func (s *Server) handleGetSettings(rw http.ResponseWriter, r *http.Request) {
	category := r.PathValue("category")

	if category == domain.SettingsCategoryAI {
		out := domain.DefaultReplySettings()
		if err := s.store.GetSettings(r.Context(), category, &out); err != nil {
			writeError(rw, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(rw, http.StatusOK, out)
		return
	}

	var out map[string]any
	if err := s.store.GetSettings(r.Context(), category, &out); err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	if out == nil {
		writeError(rw, http.StatusNotFound, "no settings for category "+category)
		return
	}
	writeJSON(rw, http.StatusOK, out)
}

func (s *Server) handlePutSettings(rw http.ResponseWriter, r *http.Request) {
	category := r.PathValue("category")

	if category == domain.SettingsCategoryAI {
		var in domain.ReplySettings
		if err := decodeJSON(r, &in); err != nil {
			writeError(rw, http.StatusBadRequest, err.Error())
			return
		}
		if in.Model != "" && !s.modelSupported(in.Model) {
			writeError(rw, http.StatusBadRequest, "unsupported model: "+in.Model)
			return
		}
		if err := s.store.SetSettings(r.Context(), category, in); err != nil {
			writeError(rw, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(rw, http.StatusOK, in)
		return
	}

	var in map[string]any
	if err := decodeJSON(r, &in); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SetSettings(r.Context(), category, in); err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, in)
}

func (s *Server) modelSupported(model string) bool {
	for _, m := range s.models.AvailableModels() {
		if m == model {
			return true
		}
	}
	return false
}

// --- models, replies, export ---

func (s *Server) handleModels(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"models": s.models.AvailableModels()})
}

func (s *Server) handleListReplies(rw http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.store.ListReplies(r.Context(), r.URL.Query().Get("counterparty"), limit)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []domain.ReplyLogEntry{}
	}
	writeJSON(rw, http.StatusOK, entries)
}

func (s *Server) handleExport(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/yaml")
	rw.Header().Set("Content-Disposition", `attachment; filename="wagate-snapshot.yaml"`)
	if err := s.porter.Export(r.Context(), rw); err != nil {
		s.logger.Error("export failed", "err", err)
	}
}

func (s *Server) handleImport(rw http.ResponseWriter, r *http.Request) {
	if err := s.porter.Import(r.Context(), http.MaxBytesReader(rw, r.Body, s.maxUpload)); err != nil {
		if domain.IsKind(err, domain.KindConfiguration) {
			writeError(rw, http.StatusBadRequest, err.Error())
			return
		}
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "imported"})
}

// --- helpers ---

func decodeJSON(r *http.Request, out any) error {
	body := io.LimitReader(r.Body, maxJSONBodySize)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}
