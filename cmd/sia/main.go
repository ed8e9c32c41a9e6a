// Command sia runs the persona chat: a web UI by default, or a terminal
// REPL with --repl.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/stupiduntilnot/sia/internal/config"
	ctxpkg "github.com/stupiduntilnot/sia/internal/context"
	"github.com/stupiduntilnot/sia/internal/control"
	"github.com/stupiduntilnot/sia/internal/db"
	"github.com/stupiduntilnot/sia/internal/dummy"
	"github.com/stupiduntilnot/sia/internal/model"
	"github.com/stupiduntilnot/sia/internal/openai"
	"github.com/stupiduntilnot/sia/internal/persona"
	"github.com/stupiduntilnot/sia/internal/render"
	"github.com/stupiduntilnot/sia/internal/repl"
	"github.com/stupiduntilnot/sia/internal/session"
	"github.com/stupiduntilnot/sia/internal/summary"
	"github.com/stupiduntilnot/sia/internal/turn"
	"github.com/stupiduntilnot/sia/internal/web"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "sia: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	addr        string
	persona     string
	personaFile string
	envFile     string
	repl        bool
	showPrompt  bool
	noStream    bool
	verbose     bool
	skipVerify  bool
}

func newFlagSet(opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("sia", pflag.ContinueOnError)
	fs.StringVar(&opts.addr, "addr", "", "listen address (default SIA_LISTEN_ADDR or :8080)")
	fs.StringVarP(&opts.persona, "persona", "p", "", "persona to chat with (default SIA_PERSONA or sia)")
	fs.StringVar(&opts.personaFile, "persona-file", "", "YAML or JSONC persona catalog merged over the built-ins")
	fs.StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load; an explicit path must exist")
	fs.BoolVar(&opts.repl, "repl", false, "chat in the terminal instead of serving the web UI")
	fs.BoolVar(&opts.showPrompt, "show-prompt", false, "REPL: print the assembled prompt after each reply")
	fs.BoolVar(&opts.noStream, "no-stream", false, "request whole completions instead of streamed fragments")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	fs.BoolVar(&opts.skipVerify, "skip-verify", false, "do not check the API key at startup")
	return fs
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var opts options
	fs := newFlagSet(&opts)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	logger := newLogger(stderr, opts)

	if err := config.LoadDotEnv(opts.envFile, fs.Changed("env-file")); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlags(&cfg, opts)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	role := "server"
	if opts.repl {
		role = "repl"
	}
	a, err := newApp(ctx, cfg, role, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if opts.repl {
		err = repl.New(a.ctrl, stdin, stdout, repl.Options{
			ShowPrompt: opts.showPrompt,
			Summarizer: a.summarizer,
			Logger:     logger,
		}).Run(ctx)
	} else {
		var ln net.Listener
		ln, err = net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
		}
		logger.Info("serving", "addr", ln.Addr().String(), "persona", a.ctrl.Persona().Name, "provider", cfg.ModelProvider)
		err = serve(ctx, ln, web.New(a.ctrl, a.summarizer, logger), logger)
	}

	stopped := map[string]any{"role": role}
	if err != nil {
		stopped["error"] = err.Error()
	}
	a.journal.Log(nil, db.EventProcessStopped, stopped)
	return err
}

func newLogger(w io.Writer, opts options) *slog.Logger {
	level := slog.LevelInfo
	if opts.repl {
		// Keep the terminal for the conversation.
		level = slog.LevelWarn
	}
	if opts.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func applyFlags(cfg *config.Config, opts options) {
	if opts.addr != "" {
		cfg.ListenAddr = opts.addr
	}
	if opts.persona != "" {
		cfg.Persona = opts.persona
	}
	if opts.personaFile != "" {
		cfg.PersonaFile = opts.personaFile
	}
	if opts.noStream {
		cfg.Streaming = false
	}
	if opts.skipVerify {
		cfg.VerifyCredentials = false
	}
}

type app struct {
	ctrl       *turn.Controller
	summarizer *summary.Summarizer
	journal    db.Journal
	database   *sql.DB
}

func (a *app) close() {
	if a.database != nil {
		a.database.Close()
	}
}

// newApp wires the controller and its collaborators. Every failure here is
// a startup failure: nothing has been served yet.
func newApp(ctx context.Context, cfg config.Config, role string, logger *slog.Logger) (*app, error) {
	p, err := selectPersona(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.TemperatureSet {
		t := cfg.Temperature
		p.Temperature = &t
	}

	shape := ctxpkg.Shape(cfg.PromptShape)
	if shape == "" {
		shape = ctxpkg.Shape(p.Shape)
	}
	assembler, err := ctxpkg.NewAssembler(shape)
	if err != nil {
		return nil, &config.StartupError{Key: "prompt shape", Err: err}
	}
	policy, err := turn.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		return nil, &config.StartupError{Key: "SIA_FAILURE_POLICY", Err: err}
	}

	provider, err := newProvider(cfg, cfg.Model)
	if err != nil {
		return nil, err
	}
	if err := verifyCredentials(ctx, cfg, provider, logger); err != nil {
		return nil, err
	}
	summaryProvider := provider
	if cfg.SummaryModel != cfg.Model {
		if summaryProvider, err = newProvider(cfg, cfg.SummaryModel); err != nil {
			return nil, err
		}
	}

	a := &app{journal: db.NopJournal{}}
	if cfg.DBPath != "" {
		database, err := db.OpenDB(cfg.DBPath)
		if err != nil {
			return nil, &config.StartupError{Key: "SIA_DB_PATH", Err: err}
		}
		if err := db.InitSchema(database); err != nil {
			database.Close()
			return nil, &config.StartupError{Key: "SIA_DB_PATH", Err: err}
		}
		journal, err := db.NewJournal(database, map[string]any{
			"role":     role,
			"pid":      os.Getpid(),
			"provider": cfg.ModelProvider,
			"model":    cfg.Model,
			"persona":  p.Name,
		}, logger)
		if err != nil {
			database.Close()
			return nil, &config.StartupError{Key: "SIA_DB_PATH", Err: err}
		}
		a.database = database
		a.journal = journal
	}

	var breaker *control.CircuitBreaker
	if cfg.CircuitThreshold > 0 {
		breaker = control.NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown)
	}

	a.ctrl = turn.New(turn.Config{
		Store:     session.NewStore(session.Config{MaxSessions: cfg.SessionMax, TTL: cfg.SessionTTL}, logger),
		Provider:  provider,
		Assembler: assembler,
		Persona:   p,
		Streaming: cfg.Streaming,
		Policy:    policy,
		Limits:    control.Policy{MaxUtteranceChars: cfg.MaxUtteranceChars},
		Breaker:   breaker,
		Render:    render.Options{Cursor: cfg.RenderCursor, Delay: cfg.RenderDelay},
		Journal:   a.journal,
		Logger:    logger,
	})
	a.summarizer = summary.New(summaryProvider, nil, a.journal, logger)
	return a, nil
}

func selectPersona(cfg config.Config) (persona.Persona, error) {
	catalog := persona.Builtin()
	if cfg.PersonaFile != "" {
		loaded, err := persona.LoadFile(cfg.PersonaFile)
		if err != nil {
			return persona.Persona{}, &config.StartupError{Key: "SIA_PERSONA_FILE", Err: err}
		}
		catalog = loaded
	}
	p, err := catalog.Select(cfg.Persona)
	if err != nil {
		return persona.Persona{}, &config.StartupError{Key: "SIA_PERSONA", Err: err}
	}
	return p, nil
}

func newProvider(cfg config.Config, modelName string) (model.Provider, error) {
	switch cfg.ModelProvider {
	case config.ProviderDummy:
		p, err := dummy.NewProvider(modelName, cfg.DummyScript)
		if err != nil {
			return nil, &config.StartupError{Key: "SIA_DUMMY_SCRIPT", Err: err}
		}
		return p, nil
	default:
		return openai.NewClient(cfg.GroqAPIKey, cfg.ChatCompletionsURL, modelName, cfg.RequestTimeout), nil
	}
}

type verifier interface {
	Verify(ctx context.Context) error
}

// verifyCredentials rejects a bad key before any input is accepted. Other
// failures only warn; the service may be briefly unreachable.
func verifyCredentials(ctx context.Context, cfg config.Config, provider model.Provider, logger *slog.Logger) error {
	v, ok := provider.(verifier)
	if !cfg.VerifyCredentials || !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	err := v.Verify(ctx)
	switch {
	case err == nil:
		logger.Debug("credentials verified", "url", cfg.ChatCompletionsURL)
		return nil
	case model.IsAuthentication(err):
		return &config.StartupError{Key: "GROQ_API_KEY", Err: err}
	default:
		logger.Warn("credential check failed, continuing", "err", err)
		return nil
	}
}

// serve runs the HTTP server on ln until ctx is canceled, then drains
// in-flight turns.
func serve(ctx context.Context, ln net.Listener, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
