package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"skiff/api/auth"
	"skiff/api/browser"
	"skiff/api/config"
	"skiff/api/handler"
	"skiff/api/health"
	"skiff/api/hub"
	"skiff/api/janitor"
	"skiff/api/runtime"
	"skiff/api/saga"
	"skiff/api/storage"
	"skiff/api/store"
	"skiff/api/workflow"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	cfg := config.Load()

	var (
		runs   store.RunStore = store.NewMemory(0)
		sagas  saga.Store     = saga.NewMemoryStore()
		checks []handler.HealthCheck
	)
	if cfg.DatabaseURL != "" {
		db, err := store.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database: %v", err)
		}
		defer db.Close()

		if err := store.Migrate(db); err != nil {
			log.Fatalf("migration: %v", err)
		}
		if err := saga.Migrate(context.Background(), db.Pool()); err != nil {
			log.Fatalf("migration: %v", err)
		}
		if n, err := db.RecoverInFlightRuns(context.Background()); err != nil {
			log.Printf("WARNING: run recovery: %v", err)
		} else if n > 0 {
			log.Printf("marked %d interrupted runs as failed", n)
		}
		runs = db
		sagas = saga.NewPostgresStore(db.Pool())
		checks = append(checks, handler.HealthCheck{Name: "postgres", Check: db.Ping})
	} else {
		log.Println("WARNING: SKIFF_DATABASE_URL not set, run history is kept in memory")
	}

	var archive storage.Archive = storage.NewMemory()
	if cfg.S3Endpoint != "" {
		s3Client, err := storage.NewClient(storage.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			log.Printf("WARNING: S3 storage unavailable (%v)", err)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s3Client.EnsureBucket(ctx); err != nil {
				log.Printf("WARNING: S3 bucket %s: %v", cfg.S3Bucket, err)
			}
			cancel()
			archive = s3Client
			checks = append(checks, handler.HealthCheck{Name: "s3", Check: s3Client.Healthy})
			log.Println("S3 storage connected at " + s3Client.Endpoint())
		}
	}

	ws := hub.New(cfg.AllowedOrigins)
	go ws.Run()

	docker := runtime.NewDocker(cfg.DockerBinary, cfg.PublishAddr)
	checks = append([]handler.HealthCheck{{Name: "docker", Check: func(ctx context.Context) error {
		_, err := docker.Version(ctx)
		return err
	}}}, checks...)

	orch := workflow.New(docker)
	orch.SagaStore = sagas
	orch.WS = ws
	orch.Runs = runs
	orch.Archive = archive
	orch.Host = cfg.ProbeHost
	orch.StepTimeout = cfg.StepTimeout
	orch.CleanupTimeout = cfg.CleanupTimeout
	if cfg.BrowserEngine != "" {
		orch.Browser = browser.NewPlaywright(cfg.BrowserEngine, cfg.BrowserPath)
		log.Printf("browser checks enabled (%s)", cfg.BrowserEngine)
	}

	jan := janitor.New(docker, orch.Provisioner, cfg.JanitorSchedule, cfg.JanitorTTL)
	jan.WS = ws
	jan.SagaStore = sagas
	jan.Active = orch.Running
	if err := jan.Start(); err != nil {
		log.Fatalf("janitor: %v", err)
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	poller := &health.Poller{RT: docker, WS: ws, Interval: cfg.WatchInterval}
	go poller.Run(watchCtx)

	h := handler.New(handler.Deps{
		Runtime:      docker,
		Orchestrator: orch,
		Runs:         runs,
		Sagas:        sagas,
		Archive:      archive,
		Janitor:      jan,
		WS:           ws,
		Checks:       checks,
		Version:      Version,
	})

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	validator := auth.NewValidator(cfg.APIToken, cfg.JWTSecret)
	if validator.Enabled() {
		r.Use(validator.Middleware("/api/health", "/api/version"))
		log.Println("API auth enabled")
	}

	r.Route("/api", h.Mount)
	r.Get("/ws", ws.HandleConnect)

	if cfg.UIDir != "" {
		fileServer(r, cfg.UIDir)
	}

	srv := &http.Server{
		Addr:    cfg.BindAddr + ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		log.Printf("skiff %s listening on %s:%s", Version, cfg.BindAddr, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	stopWatch()
	jan.Stop()

	// In-flight runs are cancelled first so their environments are torn down
	// while the process is still alive.
	runCtx, cancelRuns := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := orch.Shutdown(runCtx); err != nil {
		log.Printf("WARNING: %v", err)
	}
	cancelRuns()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

func fileServer(r chi.Router, dir string) {
	fs := http.FileServer(http.Dir(dir))
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		if _, err := os.Stat(dir + r.URL.Path); os.IsNotExist(err) {
			http.ServeFile(w, r, dir+"/index.html")
			return
		}
		fs.ServeHTTP(w, r)
	})
}
