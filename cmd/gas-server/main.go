package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/gomaluum/gas/pkg/authorize"
	"github.com/gomaluum/gas/pkg/cas"
	"github.com/gomaluum/gas/pkg/cas/ratelimited"
	gashttp "github.com/gomaluum/gas/pkg/http"
	"github.com/gomaluum/gas/pkg/logger"
	"github.com/gomaluum/gas/pkg/server"
	"github.com/gomaluum/gas/pkg/tracing"
)

const desc = `
Authentication gateway for the i-Ma'luum portal.

The server exposes a login operation that emulates a browser's CAS handshake
against the portal and returns the resulting MOD_AUTH_CAS session token. Every
remote operation is gated behind a static service-to-service bearer secret,
read once at startup from the GAS_AUTH_TOKEN environment variable. Portal
credentials are never stored; each login attempt runs in its own isolated
cookie session.
`

// authTokenEnv is the environment variable holding the gate secret.
const authTokenEnv = "GAS_AUTH_TOKEN"

func defaultOpts() *Options {
	return &Options{
		Endpoints: cas.DefaultEndpoints(),
	}
}

func main() {
	opt := defaultOpts()

	var listen, listenInternal string
	cmd := &cobra.Command{
		Short:         "CAS login gateway for the i-Ma'luum portal.",
		Long:          desc,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			listener, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			internalListener, err := net.Listen("tcp", listenInternal)
			if err != nil {
				return err
			}

			return opt.Run(context.Background(), listener, internalListener)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "0.0.0.0:9001", "A host:port to listen on for login traffic.")
	cmd.Flags().StringVar(&listenInternal, "listen-internal", "localhost:9002", "A host:port to listen on for health and metrics.")

	cmd.Flags().StringVar(&opt.TLSKeyPath, "tls-key", opt.TLSKeyPath, "Path to a private key to serve TLS for external traffic.")
	cmd.Flags().StringVar(&opt.TLSCertificatePath, "tls-crt", opt.TLSCertificatePath, "Path to a certificate to serve TLS for external traffic.")

	cmd.Flags().StringVar(&opt.Endpoints.PortalURL, "portal-url", opt.Endpoints.PortalURL, "The portal home page, fetched to read the session cookie after login.")
	cmd.Flags().StringVar(&opt.Endpoints.LoginURL, "cas-login-url", opt.Endpoints.LoginURL, "The CAS login page, fetched to initialize the session.")
	cmd.Flags().StringVar(&opt.Endpoints.SubmitURL, "cas-submit-url", opt.Endpoints.SubmitURL, "The CAS endpoint receiving the form-encoded credential submission.")

	cmd.Flags().DurationVar(&opt.LoginRatelimit, "login-ratelimit", opt.LoginRatelimit, "The minimum interval between login attempts per username. Zero disables rate limiting.")

	cmd.Flags().StringVar(&opt.LogLevel, "log-level", opt.LogLevel, "Log filtering level. e.g info, debug, warn, error")
	cmd.Flags().BoolVarP(&opt.Verbose, "verbose", "v", opt.Verbose, "Show verbose output.")

	cmd.Flags().StringVar(&opt.TracingServiceName, "internal.tracing.service-name", "gas-server",
		"The service name to report to the tracing backend.")
	cmd.Flags().StringVar(&opt.TracingEndpoint, "internal.tracing.endpoint", "",
		"The full URL of the trace collector. If it's not set, tracing will be disabled.")
	cmd.Flags().Float64Var(&opt.TracingSamplingFraction, "internal.tracing.sampling-fraction", 0.1,
		"The fraction of traces to sample. Thus, if you set this to .5, half of traces will be sampled.")
	cmd.Flags().StringVar(&opt.TracingEndpointType, "internal.tracing.endpoint-type", string(tracing.EndpointTypeAgent),
		fmt.Sprintf("The tracing endpoint type. Options: '%s', '%s', '%s'.", tracing.EndpointTypeAgent, tracing.EndpointTypeCollector, tracing.EndpointTypeOTel))

	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	l = log.WithPrefix(l, "ts", log.DefaultTimestampUTC)
	l = log.WithPrefix(l, "caller", log.DefaultCaller)
	stdlog.SetOutput(log.NewStdlibAdapter(l))
	opt.Logger = l

	if err := cmd.Execute(); err != nil {
		level.Error(l).Log("err", err)
		os.Exit(1)
	}
}

type Options struct {
	TLSKeyPath         string
	TLSCertificatePath string

	Endpoints cas.Endpoints

	LoginRatelimit time.Duration

	LogLevel string
	Logger   log.Logger

	TracingServiceName      string
	TracingEndpoint         string
	TracingEndpointType     string
	TracingSamplingFraction float64

	Verbose bool
}

type Paths struct {
	Paths []string `json:"paths"`
}

func (o *Options) Run(ctx context.Context, externalListener, internalListener net.Listener) error {
	o.Logger = level.NewFilter(o.Logger, logger.LogLevelFromString(o.LogLevel))

	tp, err := tracing.InitTracer(
		ctx,
		o.TracingServiceName,
		o.TracingEndpoint,
		o.TracingEndpointType,
		o.TracingSamplingFraction,
	)
	if err != nil {
		return fmt.Errorf("cannot initialize tracer: %v", err)
	}

	otel.SetErrorHandler(tracing.OtelErrorHandler{Logger: o.Logger})

	portalTransport := cas.DefaultTransport()
	var transport http.RoundTripper = otelhttp.NewTransport(portalTransport)
	if o.Verbose {
		transport = gashttp.NewDebugRoundTripper(o.Logger, transport)
	}
	transport = gashttp.NewInstrumentedRoundTripper("portal", transport)

	svc, err := cas.New(o.Logger, o.Endpoints, transport)
	if err != nil {
		return fmt.Errorf("cannot initialize login flow: %v", err)
	}

	var loginer ratelimited.Loginer = svc
	if o.LoginRatelimit > 0 {
		loginer = ratelimited.New(o.LoginRatelimit, svc)
	}

	// The gate secret is resolved once; an unconfigured gate rejects every
	// call with a server error instead of refusing to start.
	secret := os.Getenv(authTokenEnv)
	if secret == "" {
		level.Error(o.Logger).Log("msg", "gate secret is not set, all remote calls will be rejected", "env", authTokenEnv)
	}
	gate := authorize.NewStatic(secret)

	handler := server.NewHandler(o.Logger, loginer)

	var g run.Group
	{
		internal := http.NewServeMux()

		gashttp.DebugRoutes(internal)
		gashttp.HealthRoutes(internal)
		gashttp.MetricRoutes(internal)

		r := chi.NewRouter()
		r.Mount("/", internal)

		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			internalPathJSON, _ := json.MarshalIndent(Paths{Paths: []string{"/", "/metrics", "/debug/pprof", "/healthz", "/healthz/ready"}}, "", "  ")

			w.Header().Add("Content-Type", "application/json")
			if _, err := w.Write(internalPathJSON); err != nil {
				level.Error(o.Logger).Log("msg", "could not write internal paths", "err", err)
			}
		})

		s := &http.Server{
			Handler: otelhttp.NewHandler(r, "internal", otelhttp.WithTracerProvider(tp)),
		}

		// Run the internal server.
		g.Add(func() error {
			if err := s.Serve(internalListener); err != nil && err != http.ErrServerClosed {
				level.Error(o.Logger).Log("msg", "internal HTTP server exited", "err", err)
				return err
			}
			return nil
		}, func(error) {
			_ = s.Shutdown(context.TODO())
			internalListener.Close()
		})
	}
	{
		external := chi.NewRouter()
		external.Use(middleware.RequestID)
		external.Use(server.RequestLogger(o.Logger))

		mux := http.NewServeMux()
		gashttp.HealthRoutes(mux)
		external.Mount("/", mux)

		// Remote operations, uniformly behind the gate.
		{
			external.Handle("/v1/login", server.InstrumentedHandler("login",
				authorize.NewHandler(o.Logger, gate, http.HandlerFunc(handler.Login))))
			external.Handle("/v1/echo", server.InstrumentedHandler("echo",
				authorize.NewHandler(o.Logger, gate, http.HandlerFunc(handler.Echo))))
		}

		externalPathJSON, _ := json.MarshalIndent(Paths{Paths: []string{"/", "/healthz", "/healthz/ready", "/v1/login", "/v1/echo"}}, "", "  ")

		external.Get("/", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Add("Content-Type", "application/json")
			if _, err := w.Write(externalPathJSON); err != nil {
				level.Error(o.Logger).Log("msg", "could not write external paths", "err", err)
			}
		})

		s := &http.Server{
			Handler: otelhttp.NewHandler(external, "external", otelhttp.WithTracerProvider(tp)),
		}

		// Run the external server.
		g.Add(func() error {
			if len(o.TLSCertificatePath) > 0 {
				if err := s.ServeTLS(externalListener, o.TLSCertificatePath, o.TLSKeyPath); err != nil && err != http.ErrServerClosed {
					level.Error(o.Logger).Log("msg", "external HTTPS server exited", "err", err)
					return err
				}
			} else {
				if err := s.Serve(externalListener); err != nil && err != http.ErrServerClosed {
					level.Error(o.Logger).Log("msg", "external HTTP server exited", "err", err)
					return err
				}
			}
			return nil
		}, func(error) {
			_ = s.Shutdown(context.TODO())
			externalListener.Close()

			// Close the portal client in order to check for leaks properly.
			portalTransport.CloseIdleConnections()
		})
	}

	// Kill all when caller requests to.
	gctx, gcancel := context.WithCancel(ctx)
	g.Add(func() error {
		<-gctx.Done()
		return gctx.Err()
	}, func(err error) {
		gcancel()
	})

	level.Info(o.Logger).Log("msg", "starting gas-server", "external", externalListener.Addr().String(), "internal", internalListener.Addr().String())

	return g.Run()
}
