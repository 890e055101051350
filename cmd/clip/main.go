package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"clip-query/internal/app"
	"clip-query/internal/assets"
	"clip-query/internal/config"
	"clip-query/internal/logger"
	"clip-query/internal/query"
	"clip-query/internal/tokens"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		slog.Default().Error("clip failed", "err", err)
		os.Exit(1)
	}
}

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "path to an environment file",
		Value: ".env",
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "clip",
		Usage: "score a word against the bundled sample images",
		Commands: []*cli.Command{
			{
				Name:      "query",
				Usage:     "print similarity scores for one word",
				ArgsUsage: "<word>",
				Flags:     []cli.Flag{envFlag()},
				Action:    queryAction,
			},
			{
				Name:   "materialize",
				Usage:  "copy the model assets into DATA_DIR",
				Flags:  []cli.Flag{envFlag()},
				Action: materializeAction,
			},
			{
				Name:   "words",
				Usage:  "list the supported query words",
				Action: wordsAction,
			},
		},
	}
}

// loadConfig loads configuration and a text logger on stderr so stdout only
// carries command output.
func loadConfig(cmd *cli.Command) (config.Config, *slog.Logger) {
	cfg, _ := app.LoadConfig(cmd.String("env"))
	return cfg, logger.NewWithWriter(cmd.Root().ErrWriter, cfg.LogLevel, "text")
}

func queryAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 1 {
		return fmt.Errorf("expected exactly one word, got %d", cmd.NArg())
	}
	word := cmd.Args().First()
	if !tokens.Known(word) {
		return fmt.Errorf("%w: %s", query.ErrInvalidQuery, query.Hint())
	}

	cfg, log := loadConfig(cmd)
	deps, err := app.BuildWith(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(context.Background()); err != nil {
			log.Warn("cleanup failed", "err", err)
		}
	}()

	res, err := deps.Dispatch(ctx, word)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.Root().Writer, res.Report())
	return err
}

func materializeAction(ctx context.Context, cmd *cli.Command) error {
	cfg, log := loadConfig(cmd)
	src := os.DirFS(cfg.AssetDir)

	var errs []error
	for _, name := range []string{cfg.ImageModel, cfg.TextModel} {
		path, err := assets.Materialize(src, name, cfg.DataDir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		log.Info("asset ready", "name", name, "path", path)
		if _, err := fmt.Fprintln(cmd.Root().Writer, path); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}

func wordsAction(ctx context.Context, cmd *cli.Command) error {
	for _, w := range tokens.Words() {
		if _, err := fmt.Fprintln(cmd.Root().Writer, w); err != nil {
			return err
		}
	}
	return nil
}
