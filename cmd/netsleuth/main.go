// Command netsleuth runs the traffic-inspection gateway in one of four
// modes: a public gateway accepting remote target bindings, a client that
// exposes a local service through a remote gateway, a standalone local
// proxy (reverse or forward) with inspection built in, or an in-process
// acceptor that serves gateway connections dialed into an inspected service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/useful-bytes/netsleuth/internal/ca"
	"github.com/useful-bytes/netsleuth/internal/config"
	"github.com/useful-bytes/netsleuth/internal/gateway"
	"github.com/useful-bytes/netsleuth/internal/logging"
	"github.com/useful-bytes/netsleuth/internal/script"
	"github.com/useful-bytes/netsleuth/internal/store"
	"github.com/useful-bytes/netsleuth/internal/target"
	"github.com/useful-bytes/netsleuth/internal/wire"
)

func main() {
	mode := pflag.String("mode", "server", "server, client, local, or inproc")
	listen := pflag.String("listen", "", "accept address for inbound gateway connections (inproc mode)")
	gatewayURL := pflag.String("gateway", "", "gateway base URL (client mode)")
	hostname := pflag.String("hostname", "", "public hostname to expose")
	origin := pflag.String("origin", "", "upstream origin URL (client and local reverse modes)")
	forward := pflag.Bool("forward", false, "run the local proxy as a forward proxy")
	localPort := pflag.Int("port", 0, "local proxy listen port (local mode)")
	https := pflag.Bool("https", false, "serve the local proxy over TLS")
	auth := pflag.String("auth", "", "require basic auth, as user:pass")
	rules := pflag.StringArray("rule", nil, "interception rule (JSON), repeatable")
	pflag.Parse()

	cfg := config.FromEnv()
	log := logging.Setup(logging.Options{
		Level:   cfg.LogLevel,
		Writers: cfg.LogWriters,
		File:    cfg.LogFile,
	})

	st, err := store.Open(cfg.StoreDSN, cfg.StorePrefix, log)
	if err != nil {
		log.Fatal().Err(err).Msg("store open failed")
	}
	defer st.Close()

	hook, err := buildHook(*rules)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid interception rule")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch *mode {
	case "server":
		runServer(ctx, cfg, log, st)
	case "client":
		runClient(ctx, cfg, log, *gatewayURL, *hostname, *origin, *auth, hook)
	case "local":
		runLocal(ctx, cfg, log, st, *hostname, *origin, *forward, *localPort, *https, *auth, hook)
	case "inproc":
		runInproc(ctx, cfg, log, *listen, *hostname, *origin, hook)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		pflag.Usage()
		os.Exit(2)
	}
}

func buildHook(rules []string) (script.Hook, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	return script.NewRulesHook(rules)
}

func runServer(ctx context.Context, cfg config.Config, log zerolog.Logger, st *store.Store) {
	srv := gateway.New(cfg, log, nil, st, ca.NewSelfSigned())
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("gateway start failed")
	}
	log.Info().Str("http", cfg.HTTPAddr).Str("https", cfg.HTTPSAddr).Msg("gateway running")
	<-ctx.Done()
	srv.Stop()
}

func runClient(ctx context.Context, cfg config.Config, log zerolog.Logger, gatewayURL, hostname, origin, auth string, hook script.Hook) {
	if gatewayURL == "" || hostname == "" {
		log.Fatal().Msg("client mode requires --gateway and --hostname")
	}
	originURL := mustOrigin(log, origin, true)

	var opts *wire.Options
	if auth != "" {
		opts = &wire.Options{Auth: auth}
	}

	t := target.NewClient(target.ClientConfig{
		GatewayURL: gatewayURL,
		Hostname:   hostname,
		Engine: target.EngineConfig{
			ExternalHost:  hostname,
			Origin:        originURL,
			Hook:          hook,
			MaxBodyBuffer: cfg.MaxBodyBuffer,
			Log:           log,
		},
		Opts:           opts,
		ReconnectDelay: cfg.ReconnectDelay,
		PingInterval:   cfg.PingInterval,
		Log:            log,
	})
	if err := t.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("hostname claim failed")
	}
	if err := t.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("initial connect failed, retrying")
		go t.Reconnect(ctx)
	}
	log.Info().Str("hostname", hostname).Str("gateway", gatewayURL).Msg("client target running")
	<-ctx.Done()
	_ = t.Close()
}

func runLocal(ctx context.Context, cfg config.Config, log zerolog.Logger, st *store.Store, hostname, origin string, forward bool, port int, https bool, auth string, hook script.Hook) {
	originURL := mustOrigin(log, origin, forward)
	if !forward && originURL == nil {
		log.Fatal().Msg("local reverse mode requires --origin")
	}
	if hostname == "" && !forward {
		hostname = "localhost"
	}

	var opts *wire.Options
	if auth != "" {
		opts = &wire.Options{Auth: auth}
	}

	t := target.NewLocal(target.LocalConfig{
		Hostname: hostname,
		Forward:  forward,
		Port:     port,
		HTTPS:    https,
		Engine: target.EngineConfig{
			ExternalHost:  hostname,
			Origin:        originURL,
			Hook:          hook,
			MaxBodyBuffer: cfg.MaxBodyBuffer,
			Log:           log,
		},
		Opts:    opts,
		Gateway: cfg,
		Issuer:  ca.NewSelfSigned(),
		Store:   st,
		Log:     log,
	})
	if err := t.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("local proxy start failed")
	}
	log.Info().Str("addr", t.Addr()).Msg("local proxy running")
	<-ctx.Done()
	_ = t.Close()
}

func runInproc(ctx context.Context, cfg config.Config, log zerolog.Logger, listen, hostname, origin string, hook script.Hook) {
	if listen == "" {
		log.Fatal().Msg("inproc mode requires --listen")
	}
	originURL := mustOrigin(log, origin, true)

	srv := &http.Server{
		Addr: listen,
		Handler: target.InprocHandler(target.EngineConfig{
			ExternalHost:  hostname,
			Origin:        originURL,
			Hook:          hook,
			MaxBodyBuffer: cfg.MaxBodyBuffer,
			Log:           log,
		}),
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Info().Str("addr", listen).Msg("inproc acceptor running")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("inproc acceptor failed")
	}
}

func mustOrigin(log zerolog.Logger, origin string, optional bool) *url.URL {
	if origin == "" {
		if optional {
			return nil
		}
		log.Fatal().Msg("--origin required")
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		log.Fatal().Str("origin", origin).Msg("origin must be an absolute URL")
	}
	return u
}
