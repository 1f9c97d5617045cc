package main

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Onyx48/schoolauth/internal/recovery"
	"github.com/Onyx48/schoolauth/internal/store"
	redisstore "github.com/Onyx48/schoolauth/internal/store/redis"
	"github.com/Onyx48/schoolauth/internal/users"
	"github.com/Onyx48/schoolauth/internal/users/dynamo"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/knadh/koanf/v2"
	"github.com/zerodha/logf"
	"golang.org/x/time/rate"
)

// App is the global app context that groups the necessary controls
// (store, services, config etc.) to be injected into the HTTP handlers.
type App struct {
	svc       *recovery.Service
	store     store.Store
	users     users.Store
	lo        logf.Logger
	constants constants
}

var (
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()

	lo := initLogger(ko.Bool("app.debug"))

	// Load the store.
	var rc redisstore.Conf
	if err := ko.UnmarshalWithConf("store.redis", &rc, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		lo.Fatal("error reading store config", "error", err)
	}
	st := redisstore.New(rc)

	// Load the users table.
	var dc dynamo.Conf
	if err := ko.UnmarshalWithConf("users.dynamodb", &dc, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		lo.Fatal("error reading users config", "error", err)
	}
	us, err := dynamo.New(dc)
	if err != nil {
		lo.Fatal("error initializing users store", "error", err)
	}

	// Load the notifier and its message templates.
	fs := initFS(os.Args[0])
	n := initNotifier(lo)
	sender, err := initSender(n, fs)
	if err != nil {
		lo.Fatal("error initializing sender", "error", err)
	}

	secret := ko.String("recovery.reset_token_secret")
	if secret == "" {
		lo.Fatal("recovery.reset_token_secret is not set in config")
	}

	svc := recovery.New(recovery.Conf{
		OTPLength:   ko.Int("recovery.otp_length"),
		MaxAttempts: ko.Int("recovery.max_attempts"),
		OTPTTL:      confSeconds("recovery.otp_ttl"),
		LockoutTTL:  confSeconds("recovery.lockout_ttl"),
		TokenTTL:    confSeconds("recovery.reset_token_ttl"),
		TokenSecret: secret,
	}, st, us, sender, lo)

	app := &App{
		svc:   svc,
		store: st,
		users: us,
		lo:    lo,
		constants: constants{
			AppName: ko.String("app.name"),
			RootURL: strings.TrimRight(ko.String("app.root_url"), "/"),
		},
	}

	// Per-IP throttle on the endpoints that trigger deliveries and
	// verification attempts.
	rlRate := ko.Float64("app.rate_limit")
	if rlRate <= 0 {
		rlRate = 5
	}
	rlBurst := ko.Int("app.rate_burst")
	if rlBurst <= 0 {
		rlBurst = 10
	}
	rl := newRateLimiter(rate.Limit(rlRate), rlBurst)

	// Register handles.
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: ko.Strings("app.cors_origins"),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("schoolauth"))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))
	r.With(rl.limit).Post("/api/password/forgot", wrap(app, handleForgotPassword))
	r.With(rl.limit).Post("/api/password/verify", wrap(app, handleVerifyOTP))
	r.Post("/api/password/reset", wrap(app, handleResetPassword))

	// HTTP Server.
	timeout := confSeconds("app.server_timeout")
	if timeout < time.Second {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      r,
	}

	lo.Info("starting server", "address", srv.Addr, "build", buildString)
	if err := srv.ListenAndServe(); err != nil {
		lo.Fatal("couldn't start server", "error", err)
	}
}
