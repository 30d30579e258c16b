package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/kmorano/chatrelay/internal/config"
	"github.com/kmorano/chatrelay/internal/database"
	"github.com/kmorano/chatrelay/internal/gateway"
	"github.com/kmorano/chatrelay/internal/stats"
	"github.com/teris-io/shortid"
)

type ChatRelayApp struct {
	log            *log.Logger
	db             database.Repository
	mux            *http.Server
	gw             *gateway.Gateway
	stats          stats.StatsProvider
	signingKey     []byte
	allowedOrigins []string
	// overridable for tests
	generateInviteCode func() (string, error)
}

func NewChatRelayApp(mux *http.ServeMux, logger *log.Logger, gw *gateway.Gateway, db database.Repository, su stats.StatsProvider, cfg *config.Config) *ChatRelayApp {
	s := &ChatRelayApp{
		log:                logger,
		db:                 db,
		gw:                 gw,
		stats:              su,
		signingKey:         cfg.SigningKey,
		allowedOrigins:     cfg.AllowedOrigins,
		generateInviteCode: shortid.Generate,
	}

	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.Handle("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("/api/account", s.authMiddleware(s.account))
	mux.Handle("POST /api/channels", s.authMiddleware(s.createChannel))
	mux.Handle("GET /api/channels", s.authMiddleware(s.listChannels))
	mux.Handle("GET /api/channels/{id}", s.authMiddleware(s.getChannel))
	mux.Handle("POST /api/channels/{id}/archive", s.authMiddleware(s.archiveChannel))
	mux.Handle("POST /api/channels/{id}/unarchive", s.authMiddleware(s.unarchiveChannel))
	mux.Handle("POST /api/channels/{id}/leave", s.authMiddleware(s.leaveChannel))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("POST /api/invites", s.authMiddleware(s.createInvite))
	mux.Handle("POST /api/invites/accept", s.authMiddleware(s.acceptInvite))
	mux.Handle("DELETE /api/invites", s.authMiddleware(s.revokeInvite))
	mux.Handle("POST /api/integrations", s.authMiddleware(s.createIntegration))
	mux.Handle("GET /api/integrations", s.authMiddleware(s.listIntegrations))
	mux.Handle("DELETE /api/integrations", s.authMiddleware(s.revokeIntegration))
	mux.HandleFunc("POST /api/notifications", s.postNotification)
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization", "X-Api-Token"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *ChatRelayApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *ChatRelayApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
