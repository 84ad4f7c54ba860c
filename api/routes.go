package api

import (
	"github.com/gorilla/mux"

	"github.com/garnizeh/nudge/internal/config"
	"github.com/garnizeh/nudge/internal/schema"
	"github.com/garnizeh/nudge/pkg/repository"
)

// Deps are the services the operator API reads from and writes through.
type Deps struct {
	Repo   *repository.Repository
	Saver  PreferenceSaver
	Loader *schema.Loader
}

func SetupRoutes(cfg *config.Config, version, buildTime string, deps Deps) *mux.Router {
	r := mux.NewRouter()

	// Middleware chain
	r.Use(LoggingMiddleware)
	r.Use(CORSMiddleware)
	r.Use(RecoveryMiddleware)

	// Create handlers
	systemHandler := &SystemHandler{}
	authHandler := NewAuthHandler(cfg.Operator, cfg.JWTSecret, cfg.TokenDuration)
	statusHandler := NewStatusHandler(deps.Repo.Outbox, deps.Repo.Runs)
	chatsHandler := NewChatsHandler(deps.Repo.Preferences, deps.Saver, deps.Repo.Subscriptions)
	schemaHandler := NewSchemaHandler(deps.Loader, deps.Repo.Schemas)

	// Open endpoints
	r.HandleFunc("/version", systemHandler.VersionHandler(version, buildTime)).Methods("GET")
	r.HandleFunc("/health", systemHandler.HealthHandler).Methods("GET")
	r.HandleFunc("/v1/auth/signin", authHandler.Signin).Methods("POST")

	// API v1 Protected routes
	apiV1 := r.PathPrefix("/v1").Subrouter()
	apiV1.Use(JWTAuthMiddlewareWithSecret(cfg.JWTSecret))

	authV1 := apiV1.PathPrefix("/auth").Subrouter()
	authV1.HandleFunc("/signout", authHandler.Signout).Methods("POST")

	apiV1.HandleFunc("/status", statusHandler.Status).Methods("GET")
	apiV1.HandleFunc("/outbox", statusHandler.ListOutbox).Methods("GET")
	apiV1.HandleFunc("/runs", statusHandler.ListRuns).Methods("GET")
	apiV1.HandleFunc("/sync/flush", statusHandler.Flush).Methods("POST")

	chats := apiV1.PathPrefix("/chats/{chatID:-?[0-9]+}").Subrouter()
	chats.HandleFunc("/preferences", chatsHandler.ListPreferences).Methods("GET")
	chats.HandleFunc("/preferences", chatsHandler.PutPreference).Methods("PUT")
	chats.HandleFunc("/subscription", chatsHandler.GetSubscription).Methods("GET")
	chats.HandleFunc("/subscription", chatsHandler.PutSubscription).Methods("PUT")

	apiV1.HandleFunc("/schemas", schemaHandler.ListSchemasHandler).Methods("GET")
	apiV1.HandleFunc("/schemas", schemaHandler.CreateOrUpdateSchemaHandler).Methods("PUT")
	apiV1.HandleFunc("/schemas", schemaHandler.DeleteSchemaHandler).Methods("DELETE")
	apiV1.HandleFunc("/schemas/version", schemaHandler.GetSchemaHandler).Methods("GET")
	apiV1.HandleFunc("/schemas/reload", schemaHandler.ReloadHandler).Methods("POST")

	return r
}
