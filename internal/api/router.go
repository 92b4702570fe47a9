package api

import (
	"database/sql"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/reedfamily/cs2instance/internal/backup"
	"github.com/reedfamily/cs2instance/internal/chatcmd"
	"github.com/reedfamily/cs2instance/internal/events"
	"github.com/reedfamily/cs2instance/internal/serverfiles"
)

// Status is everything the handlers read about the instance status.
type Status interface {
	StatusSource
	StateReader
}

// History is the persisted output of the instance.
type History interface {
	ParameterStore
	UpdateHistory
	LogReader
}

type Deps struct {
	DB           *sql.DB
	Auth         Authenticator
	Lifecycle    Lifecycle
	Bus          *events.Bus
	Status       Status
	History      History
	Lines        LineSource
	Updater      Updater
	Files        *serverfiles.Layout
	ChatCommands *chatcmd.Service
	Backups      *backup.Service

	CORSOrigins []string
	// StaticDir is served at / when it exists.
	StaticDir string
	Logger    zerolog.Logger
}

func NewRouter(d Deps) chi.Router {
	authHandler := NewAuthHandler(d.Auth)
	serverHandler := NewServerHandler(d.Lifecycle, d.History, d.Files)
	consoleHandler := NewConsoleHandler(d.Lifecycle, d.Bus, d.Lines)
	statusHandler := NewStatusHandler(d.Status)
	updateHandler := NewUpdateHandler(d.Updater, d.History, d.Lines)
	logHandler := NewLogHandler(d.History)
	chatHandler := NewChatCommandHandler(d.ChatCommands)
	backupHandler := NewBackupHandler(d.Backups, d.Status)
	scheduleHandler := NewScheduleHandler(d.DB)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(d.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Post("/auth/login", authHandler.Login)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(d.Auth))

			r.Post("/auth/logout", authHandler.Logout)
			r.Get("/auth/me", authHandler.Me)
			r.Put("/auth/password", authHandler.ChangePassword)

			r.Route("/server", func(r chi.Router) {
				r.Get("/status", statusHandler.Get)
				r.Get("/status/live", statusHandler.Live)
				r.Post("/start", serverHandler.Start)
				r.Post("/stop", serverHandler.Stop)
				r.Post("/restart", serverHandler.Restart)
				r.Get("/start-parameters", serverHandler.GetStartParameters)
				r.Put("/start-parameters", serverHandler.PutStartParameters)
				r.Post("/command", consoleHandler.Command)
				r.Get("/console", consoleHandler.Stream)

				r.Get("/maps", serverHandler.Maps)
				r.Get("/configs", serverHandler.Configs)
				r.Get("/configs/{name}", serverHandler.GetConfig)
				r.Put("/configs/{name}", serverHandler.PutConfig)

				r.Get("/logs", logHandler.Server)
				r.Get("/events", logHandler.Events)
				r.Get("/system-logs", logHandler.System)
			})

			r.Route("/update", func(r chi.Router) {
				r.Get("/", updateHandler.List)
				r.Post("/", updateHandler.Start)
				r.Get("/live", updateHandler.Live)
				r.Post("/{updateId}/cancel", updateHandler.Cancel)
				r.Get("/{updateId}/logs", updateHandler.Logs)
			})

			r.Route("/chat-commands", func(r chi.Router) {
				r.Get("/", chatHandler.List)
				r.Post("/", chatHandler.Create)
				r.Delete("/{message}", chatHandler.Delete)
			})

			r.Route("/backups", func(r chi.Router) {
				r.Get("/", backupHandler.List)
				r.Post("/", backupHandler.Create)
				r.Get("/{backupId}/download", backupHandler.Download)
				r.Delete("/{backupId}", backupHandler.Delete)
				r.Post("/{backupId}/restore", backupHandler.Restore)
			})

			r.Route("/schedules", func(r chi.Router) {
				r.Get("/", scheduleHandler.List)
				r.Post("/", scheduleHandler.Create)
				r.Put("/{scheduleId}", scheduleHandler.Update)
				r.Delete("/{scheduleId}", scheduleHandler.Delete)
			})
		})
	})

	if d.StaticDir != "" && dirExists(d.StaticDir) {
		fileServer := http.FileServer(http.Dir(d.StaticDir))
		r.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Fall back to index.html for SPA routing
			if _, err := os.Stat(filepath.Join(d.StaticDir, filepath.Clean(r.URL.Path))); os.IsNotExist(err) {
				http.ServeFile(w, r, filepath.Join(d.StaticDir, "index.html"))
				return
			}
			fileServer.ServeHTTP(w, r)
		}))
		d.Logger.Info().Str("dir", d.StaticDir).Msg("serving frontend")
	}

	return r
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
