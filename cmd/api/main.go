package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"authgate.dev/internal/audit"
	"authgate.dev/internal/authz"
	"authgate.dev/internal/gate"
	"authgate.dev/internal/httpapi"
	"authgate.dev/internal/obs"
	"authgate.dev/internal/revocation"
	"authgate.dev/internal/secrets"
	"authgate.dev/internal/token"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	env := secrets.Environment(strings.TrimSpace(os.Getenv("AUTHGATE_ENVIRONMENT")))
	if env == "" {
		env = secrets.Development
	}

	// Secret policy failures are startup-fatal by contract: better down than
	// running with weak or shared keys.
	store, err := secrets.FromEnv(configuredEnvironments(env)...)
	if err != nil {
		log.Fatalf("secrets: %v", err)
	}

	var (
		registry revocation.Registry
		probe    httpapi.ReadyProbe
		pg       *revocation.PGRegistry
	)
	if dsn := os.Getenv("AUTHGATE_PG_DSN"); dsn != "" {
		pg, err = revocation.Open(dsn)
		if err != nil {
			log.Fatalf("open registry: %v", err)
		}
		registry = pg
		probe = httpapi.ReadyProbe{DB: pg.DB()}
	} else {
		if env == secrets.Production {
			log.Fatal("AUTHGATE_PG_DSN is required in production: revocation truth must survive restarts")
		}
		log.Println("AUTHGATE_PG_DSN not set, using in-memory registry (development only)")
		registry = revocation.NewMem()
	}

	sinkOpts := []audit.Option{audit.WithJSONHandler()}
	if pg != nil {
		sinkOpts = append(sinkOpts, audit.WithHandler(audit.NewPGStore(pg.DB()).Handler()))
	}
	sink := audit.NewLog(0, sinkOpts...)
	defer sink.Close()

	codec := token.NewCodec(token.WithIssuer("authgate"))

	gateOpts := []gate.Option{}
	if raw := strings.TrimSpace(os.Getenv("AUTHGATE_ACCESS_TTL")); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatalf("parse AUTHGATE_ACCESS_TTL: %v", err)
		}
		gateOpts = append(gateOpts, gate.WithAccessTTL(ttl))
	}
	g, err := gate.New(codec, store, registry, sink, env, gateOpts...)
	if err != nil {
		log.Fatalf("gate: %v", err)
	}

	rulesPath := os.Getenv("AUTHGATE_RULES")
	if rulesPath == "" {
		rulesPath = "ops/rules.json"
	}
	rules, err := authz.LoadRules(rulesPath)
	if err != nil {
		log.Fatalf("rules: %v", err)
	}
	engine, err := authz.NewEngine(rules, sink)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	// Sweep naturally expired registry rows in the background.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	if pg != nil {
		go sweepLoop(sweepCtx, pg)
	}

	api := httpapi.New(probe, g, engine, version)

	srv := &http.Server{
		Addr:              listenAddr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting authgate %s (%s) on %s", version, env, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pg != nil {
		_ = pg.Close()
	}
	log.Println("Stopped")
}

// configuredEnvironments returns the running environment plus any others
// with a secret set, so cross-environment uniqueness is enforced at startup.
func configuredEnvironments(running secrets.Environment) []secrets.Environment {
	all := []secrets.Environment{secrets.Development, secrets.QA, secrets.Production}
	envs := []secrets.Environment{running}
	for _, env := range all {
		if env == running {
			continue
		}
		if os.Getenv("AUTHGATE_SECRET_"+strings.ToUpper(string(env))) != "" {
			envs = append(envs, env)
		}
	}
	return envs
}

func sweepLoop(ctx context.Context, pg *revocation.PGRegistry) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := pg.Sweep(ctx)
			if err != nil {
				obs.LogInfra("revocation", "sweep failed", map[string]any{"error": err.Error()})
				continue
			}
			if swept > 0 {
				obs.LogInfra("revocation", "sweep removed expired records", map[string]any{"count": swept})
			}
		}
	}
}

func listenAddr() string {
	if addr := os.Getenv("AUTHGATE_LISTEN_ADDR"); addr != "" {
		return addr
	}
	return ":8080"
}
