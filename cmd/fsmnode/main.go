package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shrtyk/raft-fsmcaller/api"
	"github.com/shrtyk/raft-fsmcaller/pkg/logger"
	"github.com/shrtyk/raft-fsmcaller/raft"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "fsmnode",
		Usage: "Run a single-voter node feeding a key/value state machine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "YAML config file (defaults are used if missing)",
			},
			&cli.StringFlag{
				Name:  "id",
				Usage: "Node ID (defaults to a random UUID)",
			},
			&cli.IntFlag{
				Name:  "commands",
				Value: 10,
				Usage: "Number of demo commands to submit",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := raft.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	id := c.String("id")
	if id == "" {
		id = uuid.NewString()
	}

	log := logger.NewLogger(cfg.Log.Env, cfg.Log.AddSource)
	kv := newKVStore(log)

	node, err := raft.NewNodeBuilder(id, kv).
		WithConfig(cfg).
		WithLogger(log).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build node: %w", err)
	}
	if err := node.Start(); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := submitDemo(ctx, node, c.Int("commands")); err != nil {
		log.Warn("demo commands failed", logger.ErrAttr(err))
	}
	if id, err := node.Snapshot(ctx); err != nil {
		log.Warn("demo snapshot failed", logger.ErrAttr(err))
	} else {
		log.Info("demo snapshot taken", slog.Int64("index", id.Index), slog.Int64("term", id.Term))
	}

	log.Info("node is running, press Ctrl+C to stop", slog.String("status", node.Caller().(fmt.Stringer).String()))
	<-ctx.Done()
	return node.Stop()
}

func submitDemo(ctx context.Context, node *raft.Node, n int) error {
	results := make(chan error, n)
	for i := range n {
		cmd := fmt.Sprintf("key-%d=%s", i, time.Now().Format(time.RFC3339Nano))
		done := api.ClosureFunc(func(err error) { results <- err })
		if _, _, err := node.Submit([]byte(cmd), done); err != nil {
			return err
		}
	}
	for range n {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-results:
			if err != nil {
				return err
			}
		}
	}
	return nil
}
