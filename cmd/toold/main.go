package main

import (
	"context"
	"crypto/rsa"
	"log"
	"net/http"
	"strings"
	"time"

	api "github.com/emeritus-tech/search-replace-text/internal/api/http"
	"github.com/emeritus-tech/search-replace-text/internal/auth"
	"github.com/emeritus-tech/search-replace-text/internal/config"
	"github.com/emeritus-tech/search-replace-text/internal/db"
	"github.com/emeritus-tech/search-replace-text/internal/lti"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	registry := &lti.SQLRegistry{DB: dbh}

	// --- Tool signing key ---
	var key *rsa.PrivateKey
	if cfg.KeyFile != "" {
		key, err = lti.LoadPrivateKeyPEM(cfg.KeyFile)
		if err != nil {
			log.Fatalf("load key %s: %v", cfg.KeyFile, err)
		}
	} else {
		log.Printf("LTI_KEY_FILE not set; generating a throwaway dev key pair")
		key, err = lti.GenerateDevKeyPair()
		if err != nil {
			log.Fatalf("generate dev key: %v", err)
		}
	}
	keys, err := lti.NewSingleKeyPair(key, cfg.KeyID)
	if err != nil {
		log.Fatalf("key provider: %v", err)
	}

	// --- Launch flow wiring ---
	platformKeys := lti.NewPlatformKeys(context.Background(),
		lti.WithMinRefresh(cfg.JWKSMinRefresh))

	mode := lti.ModeSessionCookie
	if cfg.UseState {
		mode = lti.ModeStateToken
	}

	store := &lti.StateStore{
		TTL:            cfg.StateTTL,
		LimitIPAddress: cfg.LimitIPAddresses,
		OnIPMismatch: func(stored, observed string) {
			log.Printf("lti: login initiated from %s but completed from %s", stored, observed)
		},
	}
	var requests lti.RequestRepository
	if mode == lti.ModeStateToken {
		requests = &lti.StateRequestRepository{Store: store, RecordIP: true}
	} else {
		requests = &lti.SessionRequestRepository{Store: store, CookiePath: cfg.LTIPath}
	}

	launchURL := strings.TrimSuffix(cfg.PublicURL, "/") + cfg.LTIPath + cfg.LoginPath
	loginInit := &lti.LoginInitiationHandler{
		Registry:  registry,
		Requests:  requests,
		LaunchURL: launchURL,
		Mode:      mode,
	}

	validator := &lti.Validator{Registry: registry, Keys: platformKeys}

	tokens := &lti.ServiceTokenIssuer{
		Registry:          registry,
		Keys:              keys,
		AssertionLifetime: cfg.AssertionLifetime,
	}
	nrps := &lti.NRPSClient{Tokens: tokens}

	if cfg.SessionSecret == "" {
		log.Fatalf("SESSION_SECRET is required")
	}
	authSvc := auth.NewAuthService(cfg.SessionSecret, cfg.SessionTTL)

	launch := &lti.LaunchHandler{
		Requests:    requests,
		Validator:   validator,
		Mode:        mode,
		FallbackURL: cfg.PublicURL,
		OnSuccess: func(w http.ResponseWriter, r *http.Request, id *lti.ValidatedIdentity) {
			tok, err := authSvc.IssueFromLaunch(id)
			if err != nil {
				log.Printf("session mint failed for %s: %v", id.Subject(), err)
				return
			}
			auth.SetSessionCookie(w, tok, cfg.SessionTTL, r.TLS != nil)
		},
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route(cfg.LTIPath, func(lr chi.Router) {
		lr.Get(cfg.LoginInitiationPath, loginInit.Handler())
		lr.Post(cfg.LoginInitiationPath, loginInit.Handler())
		lr.Get(cfg.LoginInitiationPath+"/{registrationID}", loginInit.Handler())
		lr.Post(cfg.LoginInitiationPath+"/{registrationID}", loginInit.Handler())
		lr.Post(cfg.LoginPath, launch.Handler())
	})

	jwksHandler := &lti.JWKSHandler{Keys: keys}
	r.Get("/.well-known/jwks.json", jwksHandler.ServeHTTP)
	r.Head("/.well-known/jwks.json", jwksHandler.ServeHTTP)

	// Launched-session surface
	r.Group(func(pr chi.Router) {
		pr.Use(auth.Middleware(authSvc))
		pr.Get("/consumer/details", api.ConsumerDetailsHandler())
		pr.Get("/consumer/members", api.CourseMembersHandler(nrps))
		pr.Get("/consumer/lineitems", api.CourseLineItemsHandler(tokens))
		pr.Post("/consumer/scores", api.ScorePublishHandler(tokens))
	})

	// Registration admin
	r.Group(func(ar chi.Router) {
		ar.Use(api.AdminBasicAuth(cfg.AdminUser, cfg.AdminPassHash))
		ar.Route("/admin/registrations", func(rr chi.Router) {
			rr.Get("/", api.ListRegistrationsHandler(registry))
			rr.Post("/", api.PutRegistrationHandler(registry))
			rr.Get("/{registrationID}", api.GetRegistrationHandler(registry))
			rr.Put("/{registrationID}", api.PutRegistrationHandler(registry))
			rr.Delete("/{registrationID}", api.DeleteRegistrationHandler(registry))
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	log.Printf("listening on %s (db=%s, mode=%s)", cfg.HTTPAddr, cfg.DBDriver, mode)
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, r))
}
