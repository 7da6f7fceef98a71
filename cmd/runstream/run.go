package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/Strob0t/runstream/internal/adapter/ws"
	"github.com/Strob0t/runstream/internal/config"
	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/logger"
	"github.com/Strob0t/runstream/internal/secrets"
	"github.com/Strob0t/runstream/internal/service"
)

// contextFlag collects repeated --context key=value pairs.
type contextFlag map[string]string

func (c contextFlag) String() string {
	pairs := make([]string, 0, len(c))
	for k, v := range c {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

func (c contextFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	c[k] = v
	return nil
}

type runOptions struct {
	configPath string
	kind       string
	subject    string
	input      string
	context    contextFlag
	timeout    time.Duration
	askToken   bool
	jsonOut    bool
}

func parseRunFlags(args []string) (*runOptions, error) {
	opts := &runOptions{context: contextFlag{}}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", config.DefaultConfigFile, "path to the YAML config file")
	fs.StringVar(&opts.kind, "kind", string(run.SubjectAgent), "subject kind: agent or workflow")
	fs.StringVar(&opts.subject, "subject", "", "subject id (required)")
	fs.StringVar(&opts.input, "input", "", "run input (required)")
	fs.Var(opts.context, "context", "context entry key=value (repeatable)")
	fs.DurationVar(&opts.timeout, "timeout", 0, "cancel the run after this long (0 waits forever)")
	fs.BoolVar(&opts.askToken, "ask-token", false, "prompt for the stream auth token")
	fs.BoolVar(&opts.jsonOut, "json", false, "print every state as a JSON line")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.subject == "" {
		return nil, errors.New("--subject is required")
	}
	if opts.input == "" {
		return nil, errors.New("--input is required")
	}
	if !run.ValidSubjectKind(run.SubjectKind(opts.kind)) {
		return nil, fmt.Errorf("--kind must be agent or workflow, got %q", opts.kind)
	}
	if opts.timeout < 0 {
		return nil, errors.New("--timeout must not be negative")
	}
	return opts, nil
}

func runRun(args []string) error {
	opts, err := parseRunFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.LoadFrom(opts.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, closer := logger.NewWithWriter(cfg.Logging, os.Stderr)
	defer closer.Close()
	slog.SetDefault(log)

	var token string
	if opts.askToken {
		if token, err = promptToken(); err != nil {
			return fmt.Errorf("read token: %w", err)
		}
	} else {
		vault, err := tokenVault(cfg.Stream)
		if err != nil {
			return err
		}
		token = vault.Get(secrets.StreamToken)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := service.NewRegistry(ws.NewDialer(cfg.Stream, nil), service.WithAuthToken(token))
	regCtx, stopRegistry := context.WithCancel(context.Background())
	regDone := make(chan struct{})
	go func() {
		defer close(regDone)
		_ = registry.Run(regCtx)
	}()
	defer func() {
		stopRegistry()
		<-regDone
	}()

	printer := newStatePrinter(os.Stdout, opts.jsonOut)
	unsubscribe, err := registry.Subscribe(ctx, opts.subject, printer.print)
	if err != nil {
		return err
	}

	h, err := registry.Start(ctx, run.StartRequest{
		SubjectID:   opts.subject,
		SubjectKind: run.SubjectKind(opts.kind),
		Input:       opts.input,
		Context:     opts.context,
	})
	if err != nil {
		unsubscribe()
		return err
	}

	waitCtx := ctx
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	final, err := h.Wait(waitCtx)
	if err != nil {
		slog.Warn("cancelling run", "subject_id", opts.subject, "reason", err)
		h.Cancel()
		final, _ = h.Wait(context.Background())
	}

	// Stopping the registry drains the printer before returning.
	stopRegistry()
	<-regDone
	unsubscribe()

	return exitErr(final)
}

// exitErr turns a terminal run into the command's result.
func exitErr(final *run.Run) error {
	switch {
	case final == nil:
		return errors.New("run finished without state")
	case final.Status == run.StatusCompleted:
		return nil
	case final.Status == run.StatusFailed:
		return fmt.Errorf("run failed (%s): %s", final.ErrorKind, final.Error)
	default:
		return fmt.Errorf("run %s", final.Status)
	}
}

func promptToken() (string, error) {
	fmt.Fprint(os.Stderr, "Stream auth token: ")
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}

// statePrinter renders run snapshots. It is called from one subscription
// goroutine, so it keeps its own progress without locking.
type statePrinter struct {
	w         io.Writer
	jsonOut   bool
	lastSteps int
	lastState run.Status
	planShown bool
}

func newStatePrinter(w io.Writer, jsonOut bool) *statePrinter {
	return &statePrinter{w: w, jsonOut: jsonOut}
}

func (p *statePrinter) print(r *run.Run) {
	if p.jsonOut {
		data, err := json.Marshal(r)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintln(p.w, string(data))
		return
	}

	if r.Status != p.lastState {
		_, _ = fmt.Fprintf(p.w, "[%s] %s %s\n", r.Status, r.SubjectKind, r.SubjectID)
		p.lastState = r.Status
	}
	if r.Plan != nil && !p.planShown {
		_, _ = fmt.Fprintf(p.w, "  plan: %s (%d steps)\n", r.Plan.Goal, len(r.Plan.Steps))
		p.planShown = true
	}
	for _, s := range r.Steps[min(p.lastSteps, len(r.Steps)):] {
		_, _ = fmt.Fprintf(p.w, "  #%d %s%s\n", s.StepNumber, s.Kind, stepDetail(s))
	}
	p.lastSteps = len(r.Steps)

	if r.PendingApproval != nil && r.Status == run.StatusWaitingApproval {
		_, _ = fmt.Fprintf(p.w, "  approval needed: %s %s\n", r.PendingApproval.ToolName, r.PendingApproval.Reason)
	}
	switch r.Status {
	case run.StatusCompleted:
		_, _ = fmt.Fprintf(p.w, "output:\n%s\n", r.Output)
	case run.StatusFailed:
		_, _ = fmt.Fprintf(p.w, "error: %s\n", r.Error)
	}
}

func stepDetail(s run.StepResult) string {
	switch {
	case s.ToolName != "":
		return ": " + s.ToolName
	case s.Content != "":
		return ": " + truncate(s.Content, 120)
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
