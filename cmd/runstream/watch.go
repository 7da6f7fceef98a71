package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	natsadapter "github.com/Strob0t/runstream/internal/adapter/nats"
	"github.com/Strob0t/runstream/internal/config"
	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/logger"
)

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigFile, "path to the YAML config file")
	subject := fs.String("subject", "", "only show states of this subject")
	jsonOut := fs.Bool("json", false, "print every state as a JSON line")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, closer := logger.NewWithWriter(cfg.Logging, os.Stderr)
	defer closer.Close()
	slog.SetDefault(log)

	if cfg.NATS.URL == "" {
		return errors.New("watch needs nats.url to be configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q, err := natsadapter.Connect(ctx, cfg.NATS.URL, cfg.NATS.SubjectPrefix)
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	// One printer per subject keeps step progress apart; the consumer
	// callback may run on more than one goroutine.
	var (
		mu       sync.Mutex
		printers = make(map[string]*statePrinter)
	)
	cancel, err := natsadapter.NewPublisher(q, cfg.NATS.SubjectPrefix).Watch(ctx, func(_ context.Context, r *run.Run) {
		if *subject != "" && r.SubjectID != *subject {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		p, ok := printers[r.SubjectID]
		if !ok {
			p = newStatePrinter(os.Stdout, *jsonOut)
			printers[r.SubjectID] = p
		}
		p.print(r)
		if r.Status.IsTerminal() {
			delete(printers, r.SubjectID)
		}
	})
	if err != nil {
		return err
	}
	defer cancel()

	slog.Info("watching run states", "prefix", cfg.NATS.SubjectPrefix, "subject_id", *subject)
	<-ctx.Done()
	return nil
}
