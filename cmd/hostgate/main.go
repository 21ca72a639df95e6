package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/wilhg/hostgate/pkg/config"
	"github.com/wilhg/hostgate/pkg/mcpclient"
	"github.com/wilhg/hostgate/pkg/otel"
	"github.com/wilhg/hostgate/pkg/runtime"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

const usage = `usage: hostgate [flags] [command]

commands:
  serve               serve JSON-RPC on stdin/stdout (default)
  tools               list the tools of enabled services
  call <tool> [args]  run one tool; args is a JSON object
  version             print version and exit

flags:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, os.Getenv)
	stop()
	os.Exit(code)
}

type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, getenv func(string) string) int {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr, getenv: getenv}

	fs := pflag.NewFlagSet("hostgate", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	showVersion := fs.Bool("version", false, "print version and exit")
	configPath := fs.StringP("config", "c", c.env("HOSTGATE_CONFIG", ""), "settings file (JSON with comments)")
	flags := bindSettings(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cmd := "serve"
	rest := fs.Args()
	if len(rest) > 0 {
		cmd, rest = rest[0], rest[1:]
	}
	if *showVersion || cmd == "version" {
		fmt.Fprintf(stdout, "hostgate %s (commit=%s, date=%s)\n", version, commit, date)
		return 0
	}

	s, err := c.settings(*configPath, fs, flags)
	if err != nil {
		fmt.Fprintf(stderr, "hostgate: %v\n", err)
		return 2
	}

	switch cmd {
	case "serve":
		err = c.serve(ctx, s)
	case "tools":
		err = c.tools(ctx, s)
	case "call":
		if len(rest) < 1 || len(rest) > 2 {
			fs.Usage()
			return 2
		}
		var ok bool
		ok, err = c.call(ctx, s, rest)
		if err == nil && !ok {
			return 1
		}
	default:
		fmt.Fprintf(stderr, "hostgate: unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "hostgate: %v\n", err)
		return 1
	}
	return 0
}

func (c *cli) env(key, def string) string {
	if v := c.getenv(key); v != "" {
		return v
	}
	return def
}

type settingFlags struct {
	state, mapping, auditDSN, adminAddr, logLevel string
	root, eventlogSource, eventlogFixture         string
	callTimeout                                   time.Duration
	rate                                          float64
	burst, maxInFlight, maxLine                   int
	traceStdout                                   bool
}

func bindSettings(fs *pflag.FlagSet) *settingFlags {
	f := &settingFlags{}
	fs.StringVar(&f.state, "state", "", "config store file")
	fs.StringVar(&f.mapping, "mapping", "", "anonymization mapping file")
	fs.StringVar(&f.auditDSN, "audit-dsn", "", "audit database (sqlite:<dsn> or postgres URL); in memory when empty")
	fs.StringVar(&f.adminAddr, "admin-addr", "", "admin HTTP listen address; disabled when empty")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&f.root, "filesearch-root", "", "directory served by the filesearch service")
	fs.StringVar(&f.eventlogSource, "eventlog-source", "", "fixture or command")
	fs.StringVar(&f.eventlogFixture, "eventlog-fixture", "", "JSON file of events for the fixture source")
	fs.DurationVar(&f.callTimeout, "call-timeout", 0, "per-call timeout")
	fs.Float64Var(&f.rate, "rate", 0, "requests per second per caller")
	fs.IntVar(&f.burst, "burst", 0, "rate limiter burst")
	fs.IntVar(&f.maxInFlight, "max-in-flight", 0, "concurrent requests per stream")
	fs.IntVar(&f.maxLine, "max-line-bytes", 0, "largest accepted request line")
	fs.BoolVar(&f.traceStdout, "trace", false, "export spans as JSON to stderr")
	return f
}

func (f *settingFlags) settings() config.Settings {
	return config.Settings{
		StatePath:       f.state,
		MappingPath:     f.mapping,
		AuditDSN:        f.auditDSN,
		AdminAddr:       f.adminAddr,
		LogLevel:        f.logLevel,
		FileSearchRoot:  f.root,
		EventLogSource:  f.eventlogSource,
		EventLogFixture: f.eventlogFixture,
		CallTimeout:     config.Duration(f.callTimeout),
		RatePerSecond:   f.rate,
		RateBurst:       f.burst,
		MaxInFlight:     f.maxInFlight,
		MaxLineBytes:    f.maxLine,
		TraceStdout:     f.traceStdout,
	}
}

// settings applies flags over environment over file over defaults.
func (c *cli) settings(path string, fs *pflag.FlagSet, f *settingFlags) (config.Settings, error) {
	s := config.DefaultSettings()
	if path != "" {
		loaded, err := config.LoadSettings(path)
		if err != nil {
			return s, err
		}
		s = *loaded
	}
	env, err := config.SettingsFromEnv(c.getenv)
	if err != nil {
		return s, err
	}
	s.Merge(&env)
	fromFlags := f.settings()
	s.Merge(&fromFlags)
	if fs.Changed("trace") {
		s.TraceStdout = f.traceStdout
	}
	return s, s.Validate()
}

// start builds the runtime with tracing; the returned func releases both.
func (c *cli) start(ctx context.Context, s config.Settings) (*runtime.Runtime, func(), error) {
	tp, err := otel.Init(ctx, otel.Config{ServiceVersion: version, Export: s.TraceStdout, Writer: c.stderr})
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: %w", err)
	}
	level, _ := config.ParseLogLevel(s.LogLevel)
	logger := slog.New(slog.NewJSONHandler(c.stderr, &slog.HandlerOptions{Level: level}))
	rt, err := runtime.New(ctx, s,
		runtime.WithLogger(logger),
		runtime.WithTracerProvider(tp),
		runtime.WithVersion(version),
	)
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return nil, nil, err
	}
	return rt, func() {
		if err := rt.Close(); err != nil {
			logger.Error("hostgate: close", "error", err)
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}, nil
}

func (c *cli) serve(ctx context.Context, s config.Settings) error {
	rt, stop, err := c.start(ctx, s)
	if err != nil {
		return err
	}
	defer stop()

	var adminSrv *http.Server
	adminErr := make(chan error, 1)
	if s.AdminAddr != "" {
		adminSrv = &http.Server{Addr: s.AdminAddr, Handler: rt.Admin.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			rt.Logger.Info("hostgate: admin listening", "addr", s.AdminAddr)
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				adminErr <- err
			}
		}()
	}

	served := make(chan error, 1)
	go func() { served <- rt.Handler.Serve(ctx, c.stdin, c.stdout) }()

	select {
	case err = <-served:
	case err = <-adminErr:
		err = fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
		rt.Logger.Info("hostgate: shutting down")
	}
	if adminSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = adminSrv.Shutdown(sctx)
	}
	return err
}

// connect runs the handler in process and returns a client wired to it.
func connect(ctx context.Context, rt *runtime.Runtime) (*mcpclient.Conn, error) {
	toServerR, toServerW := io.Pipe()
	fromServerR, fromServerW := io.Pipe()
	go func() {
		_ = rt.Handler.Serve(ctx, toServerR, fromServerW)
		_ = fromServerW.Close()
	}()
	conn := mcpclient.New(&pipe{r: fromServerR, w: toServerW},
		mcpclient.WithLogger(rt.Logger),
		mcpclient.WithClientInfo("hostgate-cli", version),
	)
	if err := conn.Handshake(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

type pipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipe) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipe) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipe) Close() error {
	return errors.Join(p.w.Close(), p.r.Close())
}

func (c *cli) tools(ctx context.Context, s config.Settings) error {
	rt, stop, err := c.start(ctx, s)
	if err != nil {
		return err
	}
	defer stop()
	conn, err := connect(ctx, rt)
	if err != nil {
		return err
	}
	defer conn.Close()
	tools, err := conn.ListTools(ctx)
	if err != nil {
		return err
	}
	for _, t := range tools {
		mode := "read-write"
		if t.ReadOnly {
			mode = "read-only"
		}
		fmt.Fprintf(c.stdout, "%s\t%s\t%s\n", t.Name, mode, t.Description)
	}
	return nil
}

func (c *cli) call(ctx context.Context, s config.Settings, args []string) (bool, error) {
	var params map[string]any
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
			return false, fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}
	rt, stop, err := c.start(ctx, s)
	if err != nil {
		return false, err
	}
	defer stop()
	conn, err := connect(ctx, rt)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	res, err := conn.CallTool(ctx, args[0], params)
	if err != nil {
		return false, err
	}
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return false, err
	}
	return res.Success, nil
}
