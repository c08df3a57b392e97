package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"notebookqa-go/internal/asklog"
	"notebookqa-go/internal/config"
	"notebookqa-go/internal/notebook"
	"notebookqa-go/internal/rpc"
	"notebookqa-go/internal/webroot"

	sse "github.com/tmaxmax/go-sse"
)

//go:embed webdist/*
var webDist embed.FS

var embeddedWebRoot = func() fs.FS {
	root, err := fs.Sub(webDist, "webdist")
	if err != nil {
		return nil
	}
	return root
}()

const (
	maxTopics = 4
	askTopic  = "asks"

	unavailableAnswer = "Error: the notebook backend session failed to start."
)

func init() {
	_ = mime.AddExtensionType(".webapp", "application/x-webapp-manifest+json")
}

// Session reports the worker session's state for the health endpoint.
type Session interface {
	State() string
}

type Deps struct {
	Notebook *notebook.Client
	Session  Session
	Asks     *asklog.Store
	// Static, when set, is served before the embedded bundle.
	Static *webroot.Root
	Logger *slog.Logger
}

type Server struct {
	cfg config.Config
	log *slog.Logger

	notebook *notebook.Client
	session  Session
	asks     *asklog.Store
	static   *webroot.Root

	sseProvider sse.Provider
	publishMu   sync.Mutex
	shutdownMu  sync.Once
}

type channelMessageWriter struct {
	ch chan *sse.Message
}

func (w *channelMessageWriter) Send(message *sse.Message) error {
	select {
	case w.ch <- message.Clone():
		return nil
	default:
		return errors.New("sse subscriber is backpressured")
	}
}

func (w *channelMessageWriter) Flush() error {
	return nil
}

func New(cfg config.Config, deps Deps) *Server {
	replayer, err := sse.NewValidReplayer(time.Hour, false)
	if err != nil {
		panic(err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		log:         logger,
		notebook:    deps.Notebook,
		session:     deps.Session,
		asks:        deps.Asks,
		static:      deps.Static,
		sseProvider: &sse.Joe{Replayer: replayer},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/topics", s.handleTopics)
	mux.HandleFunc("/ask", s.handleAsk)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/asks", s.handleAsks)
	mux.HandleFunc("/api/asks/stream", s.handleAsksStream)
	mux.HandleFunc("/", s.handleWeb)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allowClient(r) {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "Forbidden for client IP."})
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) allowClient(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return config.IsAllowedClient(ip, s.cfg.AllowCIDRs)
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	topics := s.notebook.SuggestedTopics(r.Context())
	if len(topics) > maxTopics {
		topics = topics[:maxTopics]
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": topics})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	var request struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON body."})
		return
	}
	question := strings.TrimSpace(request.Query)
	if question == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "query is required."})
		return
	}

	started := time.Now()
	s.log.Info("asking notebook", slog.String("question", truncate(question, 120)))
	answer, err := s.notebook.Ask(r.Context(), question)
	if errors.Is(err, rpc.ErrUnavailable) {
		answer, err = unavailableAnswer, nil
	}

	entry := asklog.Entry{
		Question:  question,
		Answer:    answer,
		AskedAt:   started.UTC(),
		ElapsedMS: time.Since(started).Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.recordAsk(entry)

	if err != nil {
		s.log.Error("ask failed", slog.Any("error", err), slog.Duration("elapsed", time.Since(started)))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"answer": answer})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	state := s.session.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         state == "ready",
		"session":    state,
		"notebookId": s.notebook.NotebookID(),
	})
}

func (s *Server) handleAsks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	entries, err := s.asks.Since(strings.TrimSpace(r.URL.Query().Get("after")))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asks": entries})
}

func (s *Server) handleAsksStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	lastEventID := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if lastEventID == "" {
		lastEventID = strings.TrimSpace(r.URL.Query().Get("lastEventId"))
	}
	history, err := s.asks.Since(lastEventID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := sess.Send(ready); err != nil {
		return
	}
	_ = sess.Flush()

	replayCursor := lastEventID
	for _, entry := range history {
		if err := sendEntry(sess, entry); err != nil {
			return
		}
		replayCursor = entry.ID
	}
	_ = sess.Flush()

	writer := &channelMessageWriter{ch: make(chan *sse.Message, 128)}
	sub := sse.Subscription{
		Client: writer,
		Topics: []string{askTopic},
	}
	if replayCursor != "" {
		sub.LastEventID = sse.ID(replayCursor)
	}
	subscribeErr := make(chan error, 1)
	go func() {
		subscribeErr <- s.sseProvider.Subscribe(r.Context(), sub)
	}()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-subscribeErr:
			return
		case message := <-writer.ch:
			if err := sess.Send(message); err != nil {
				return
			}
			_ = sess.Flush()
		}
	}
}

func (s *Server) handleWeb(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.NotFound(w, r)
		return
	}

	requestPath := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if requestPath == "api" || strings.HasPrefix(requestPath, "api/") {
		http.NotFound(w, r)
		return
	}
	if requestPath == "" || requestPath == "." {
		requestPath = "index.html"
	}

	data, name, ok := s.readStatic(requestPath)
	if !ok {
		http.NotFound(w, r)
		return
	}

	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if strings.HasPrefix(contentType, "text/") || strings.Contains(contentType, "javascript") || strings.Contains(contentType, "json") {
		if !strings.Contains(contentType, "charset") {
			contentType += "; charset=utf-8"
		}
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(data)
	}
}

// readStatic looks in the static directory, then the embedded bundle, and
// falls back to index.html for client-side routes.
func (s *Server) readStatic(requestPath string) ([]byte, string, bool) {
	if s.static != nil {
		if data, name, err := s.static.ReadFile(requestPath); err == nil {
			return data, name, true
		}
		if data, name, err := s.static.ReadFile("index.html"); err == nil && path.Ext(requestPath) == "" {
			return data, name, true
		}
	}
	if embeddedWebRoot == nil {
		return nil, "", false
	}
	if data, err := fs.ReadFile(embeddedWebRoot, requestPath); err == nil {
		return data, requestPath, true
	}
	data, err := fs.ReadFile(embeddedWebRoot, "index.html")
	if err != nil {
		return nil, "", false
	}
	return data, "index.html", true
}

func (s *Server) recordAsk(entry asklog.Entry) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	stored, err := s.asks.Append(entry)
	if err != nil {
		s.log.Warn("recording ask failed", slog.Any("error", err))
		return
	}
	payload, _ := json.Marshal(stored)
	msg := &sse.Message{ID: sse.ID(stored.ID)}
	msg.AppendData(string(payload))
	_ = s.sseProvider.Publish(msg, []string{askTopic})
}

func sendEntry(sess *sse.Session, entry asklog.Entry) error {
	payload, _ := json.Marshal(entry)
	msg := &sse.Message{ID: sse.ID(entry.ID)}
	msg.AppendData(string(payload))
	return sess.Send(msg)
}

func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownMu.Do(func() {
		err = s.sseProvider.Shutdown(ctx)
	})
	return err
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
