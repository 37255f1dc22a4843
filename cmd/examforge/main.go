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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/examforge/internal/annotate"
	"github.com/pavelanni/examforge/internal/artifact"
	"github.com/pavelanni/examforge/internal/config"
	"github.com/pavelanni/examforge/internal/generate"
	"github.com/pavelanni/examforge/internal/grading"
	"github.com/pavelanni/examforge/internal/handler"
	appI18n "github.com/pavelanni/examforge/internal/i18n"
	"github.com/pavelanni/examforge/internal/llm"
	"github.com/pavelanni/examforge/internal/pipeline"
	"github.com/pavelanni/examforge/internal/state"
	"github.com/pavelanni/examforge/internal/store"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "examforge",
		Short:        "Extract, generate, check and grade exams with an LLM",
		SilenceUsage: true,
	}
	root.AddCommand(
		runCmd(),
		healthCmd(),
		gradeCmd(),
		adviseCmd(),
		resetCmd(),
		sessionsCmd(),
		exportCmd(),
		serveCmd(),
		hashTokenCmd(),
	)
	return root
}

// storageFlags are shared by every command that touches session data.
func storageFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("data-dir", config.DefaultDataDir, "Directory holding session artifacts")
	f.String("state-backend", "file", "Session state backend (memory, file, sqlite, redis)")
	f.String("db", config.DefaultDB, "SQLite database path (state, submission index, metadata)")
	f.String("redis-url", "", "Redis URL for the redis state backend")
	f.Duration("redis-ttl", 7*24*time.Hour, "Expiry of session state in Redis")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

// modelFlags are shared by every command that may call the model.
func modelFlags(cmd *cobra.Command) {
	storageFlags(cmd)
	f := cmd.Flags()
	f.String("llm-url", config.DefaultLLMURL, "OpenAI-compatible API base URL")
	f.String("llm-key", "", "API key for the LLM (or EXAMFORGE_LLM_KEY, LLM_BINDING_API_KEY)")
	f.String("llm-model", config.DefaultModel, "LLM model name")
	f.Duration("llm-timeout", config.DefaultLLMTimeout, "Default timeout of one model call")
	f.String("llm-debug-dir", "", "Write every raw completion into this directory")
	f.Bool("no-llm", false, "Run without a model, using rule-based fallbacks only")
	f.StringP("lang", "l", "English", "Expected exam language (English, Chinese)")
	f.Int("annotate-concurrency", 2, "Concurrent annotation calls")
	f.Int("generate-concurrency", 3, "Concurrent section generation calls")
	f.Int("grade-concurrency", 4, "Concurrent grading calls")
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline for a session up to a stage",
		RunE:  runPipeline,
	}
	modelFlags(cmd)
	f := cmd.Flags()
	f.StringP("session", "s", "", "Session id (required)")
	f.StringSlice("sample", nil, "Sample exam document (repeatable; txt, md, pdf, html, docx, pptx)")
	f.String("up-to", string(pipeline.StageGenerate), "Last stage to run (name or letter A-H)")
	f.String("student", "", "Learner name for grading and advice")
	f.String("answers", "", "JSON file mapping question ids to learner answers")
	f.String("sheet", "", "Filled-in answer sheet text file")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func healthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check which stage artifacts of a session load",
		RunE:  runHealth,
	}
	storageFlags(cmd)
	cmd.Flags().StringP("session", "s", "", "Session id (required)")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Grade a learner submission against the session's exam",
		RunE:  runGrade,
	}
	modelFlags(cmd)
	f := cmd.Flags()
	f.StringP("session", "s", "", "Session id (required)")
	f.String("student", "", "Learner name (required)")
	f.String("answers", "", "JSON file mapping question ids to answers")
	f.String("sheet", "", "Filled-in answer sheet text file")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("student")
	cmd.MarkFlagsOneRequired("answers", "sheet")
	return cmd
}

func adviseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advise",
		Short: "Plan remediation from the latest graded submission",
		RunE:  runAdvise,
	}
	modelFlags(cmd)
	f := cmd.Flags()
	f.StringP("session", "s", "", "Session id (required)")
	f.String("student", "", "Learner name")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func resetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear a session's state and derived artifacts",
		RunE:  runReset,
	}
	storageFlags(cmd)
	cmd.Flags().StringP("session", "s", "", "Session id (required)")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions with saved banks or state",
		RunE:  runSessions,
	}
	storageFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the submission index as JSON",
		RunE:  runExport,
	}
	storageFlags(cmd)
	f := cmd.Flags()
	f.StringP("session", "s", "", "Only export this session")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE:  runServe,
	}
	modelFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("token-hash", "", "bcrypt hash of the API bearer token (see hash-token)")
	f.String("upload-dir", "", "Directory for uploaded samples (default <data-dir>/uploads)")
	f.Int64("max-upload", 20<<20, "Maximum size of one uploaded document in bytes")
	return cmd
}

func hashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print the bcrypt hash of an API token (reads stdin without an argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read token: %w", err)
				}
				token = strings.TrimSpace(string(data))
			}
			hash, err := handler.HashToken(token)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func setupLogging(v *viper.Viper) {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("EXAMFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("examforge")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/examforge")
	v.AddConfigPath("/etc/examforge")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// app is everything a command needs, built from its flags.
type app struct {
	v         *viper.Viper
	cfg       config.Config
	db        *store.Store
	redis     *redis.Client
	client    *llm.Client
	artifacts *artifact.Store
	pipeline  *pipeline.Pipeline
}

// newApp wires the stores and the pipeline. Commands without model flags get
// a pipeline whose stages never call a model.
func newApp(cmd *cobra.Command) (*app, error) {
	v := viperForCmd(cmd)
	setupLogging(v)
	if cmd.Flags().Lookup("no-llm") == nil {
		v.Set("no-llm", true)
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}
	if err := appI18n.Init(appI18n.Code(cfg.Language)); err != nil {
		return nil, fmt.Errorf("init i18n: %w", err)
	}

	a := &app{v: v, cfg: cfg, artifacts: artifact.New(cfg.DataDir)}
	a.db, err = store.New(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	backend, err := a.stateBackend()
	if err != nil {
		a.Close()
		return nil, err
	}

	var completer llm.Completer
	if !cfg.LLM.Disabled {
		opts := []llm.Option{llm.WithTimeout(cfg.LLM.Timeout)}
		if cfg.LLM.DebugDir != "" {
			opts = append(opts, llm.WithDebugDir(cfg.LLM.DebugDir))
		}
		a.client = llm.New(cfg.LLM.URL, cfg.LLM.Key, cfg.LLM.Model, opts...)
		completer = a.client
	}

	stages := pipeline.DefaultStages(completer, a.artifacts, pipeline.StageOptions{
		Indexer:  a.db,
		Annotate: []annotate.Option{annotate.WithConcurrency(cfg.AnnotateConcurrency)},
		Generate: []generate.Option{generate.WithConcurrency(cfg.GenerateConcurrency)},
		Grade:    []grading.Option{grading.WithConcurrency(cfg.GradeConcurrency)},
	})
	a.pipeline = pipeline.New(state.New(backend), a.artifacts, stages)
	return a, nil
}

func (a *app) stateBackend() (state.Backend, error) {
	switch a.cfg.StateBackend {
	case "memory":
		return state.NewMemoryBackend(), nil
	case "sqlite":
		return a.db, nil
	case "redis":
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		return state.NewRedisBackend(a.redis, a.cfg.RedisTTL), nil
	default:
		return state.NewFileBackend(filepath.Join(a.cfg.DataDir, ".state")), nil
	}
}

// pingModel reports an unreachable model without failing: every stage has a
// fallback.
func (a *app) pingModel(ctx context.Context) {
	if a.client == nil {
		slog.Info("running without a model")
		return
	}
	if err := a.client.Ping(ctx); err != nil {
		slog.Warn("LLM endpoint unreachable, stages will fall back", "url", a.cfg.LLM.URL, "error", err)
		return
	}
	slog.Info("LLM endpoint OK", "url", a.cfg.LLM.URL, "model", a.client.Model())
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// readAnswers loads the --answers JSON map and the --sheet text.
func readAnswers(v *viper.Viper) (map[string]string, string, error) {
	var answers map[string]string
	if path := v.GetString("answers"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("read answers: %w", err)
		}
		if err := json.Unmarshal(data, &answers); err != nil {
			return nil, "", fmt.Errorf("parse answers %s: %w", path, err)
		}
		if answers == nil {
			answers = map[string]string{}
		}
	}
	var sheet string
	if path := v.GetString("sheet"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("read answer sheet: %w", err)
		}
		sheet = string(data)
	}
	return answers, sheet, nil
}

type lastRun struct {
	RunID     string         `json:"run_id"`
	UpTo      pipeline.Stage `json:"up_to"`
	StartedAt time.Time      `json:"started_at"`
}

func lastRunKey(sessionID string) string { return "last_run/" + sessionID }

func runPipeline(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	v := a.v

	upTo, err := pipeline.ParseStage(v.GetString("up-to"))
	if err != nil {
		return err
	}
	answers, sheet, err := readAnswers(v)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.pingModel(ctx)

	sessionID := v.GetString("session")
	res, runErr := a.pipeline.Run(ctx, sessionID, pipeline.Inputs{
		SamplePaths: v.GetStringSlice("sample"),
		Language:    a.cfg.Language,
		Student:     v.GetString("student"),
		Answers:     answers,
		AnswerSheet: sheet,
	}, upTo)
	if res != nil {
		rec, _ := json.Marshal(lastRun{RunID: res.RunID, UpTo: upTo, StartedAt: res.StartedAt})
		if err := a.db.SetMetadata(lastRunKey(sessionID), string(rec)); err != nil {
			slog.Warn("failed to record run", "session", sessionID, "error", err)
		}
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	}
	return runErr
}

func runHealth(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	h, err := a.pipeline.HealthCheck(cmd.Context(), a.v.GetString("session"))
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), h)
}

func runGrade(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	answers, sheet, err := readAnswers(a.v)
	if err != nil {
		return err
	}
	if answers == nil {
		answers = map[string]string{}
	}
	sessionID := a.v.GetString("session")
	a.pingModel(cmd.Context())
	if _, err := a.pipeline.RunStage(cmd.Context(), sessionID, pipeline.StageGrade, pipeline.Inputs{
		Language:    a.cfg.Language,
		Student:     a.v.GetString("student"),
		Answers:     answers,
		AnswerSheet: sheet,
	}); err != nil {
		return err
	}
	report, ok := a.pipeline.Session(sessionID).GradingReport(cmd.Context())
	if !ok {
		return fmt.Errorf("grade %s: %w", sessionID, state.ErrMissing)
	}
	return printJSON(cmd.OutOrStdout(), report)
}

func runAdvise(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	sessionID := a.v.GetString("session")
	a.pingModel(cmd.Context())
	if _, err := a.pipeline.RunStage(cmd.Context(), sessionID, pipeline.StageAdvise, pipeline.Inputs{
		Language: a.cfg.Language,
		Student:  a.v.GetString("student"),
	}); err != nil {
		return err
	}
	adv, err := a.artifacts.LatestAdvice(sessionID)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), adv)
}

func runReset(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	sessionID := a.v.GetString("session")
	if err := a.pipeline.ClearCache(cmd.Context(), sessionID); err != nil {
		return err
	}
	if err := a.db.ForgetImportedFiles(cmd.Context(), sessionID); err != nil {
		return fmt.Errorf("forget imported files: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session %s reset\n", sessionID)
	return nil
}

type sessionListing struct {
	Banks   []artifact.BankInfo `json:"banks"`
	States  []store.SessionInfo `json:"states"`
	LastRun map[string]lastRun  `json:"last_run,omitempty"`
}

func runSessions(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	banks, err := a.artifacts.Sessions()
	if err != nil {
		return err
	}
	states, err := a.db.ListSessions(cmd.Context())
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	out := sessionListing{Banks: banks, States: states, LastRun: map[string]lastRun{}}
	for _, b := range banks {
		raw, err := a.db.GetMetadata(lastRunKey(b.SessionID))
		if err != nil || raw == "" {
			continue
		}
		var lr lastRun
		if err := json.Unmarshal([]byte(raw), &lr); err == nil {
			out.LastRun[b.SessionID] = lr
		}
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func runExport(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	export, err := a.db.ExportSubmissions(cmd.Context(), a.v.GetString("session"))
	if err != nil {
		return fmt.Errorf("export submissions: %w", err)
	}

	outPath := a.v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return printJSON(w, export)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	v := a.v

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.pingModel(ctx)

	uploadDir := v.GetString("upload-dir")
	if uploadDir == "" {
		uploadDir = filepath.Join(a.cfg.DataDir, "uploads")
	}
	h := handler.New(a.pipeline, a.artifacts, a.db, handler.Config{
		TokenHash:      v.GetString("token-hash"),
		UploadDir:      uploadDir,
		Language:       a.cfg.Language,
		MaxUploadBytes: v.GetInt64("max-upload"),
	})

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(appI18n.Code(a.cfg.Language)))
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	slog.Info("starting server",
		"addr", addr,
		"model", a.cfg.LLM.Model,
		"llm_url", a.cfg.LLM.URL,
		"lang", a.cfg.Language,
		"state_backend", a.cfg.StateBackend,
		"data_dir", a.cfg.DataDir,
		"auth", v.GetString("token-hash") != "",
	)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
