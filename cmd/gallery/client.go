package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/starford/gallery/internal/client"
	"github.com/starford/gallery/internal/models"
)

type clientEnv struct {
	api        *client.APIClient
	reconciler *client.Reconciler
	token      string
}

func openClient(cmd *cli.Command) (*clientEnv, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cc := cfg.Client
	if s := cmd.String("server"); s != "" {
		cc.ServerURL = s
	}
	if tok := cmd.String("token"); tok != "" {
		cc.Token = tok
	}
	if err := cc.Validate(); err != nil {
		return nil, err
	}

	apiClient := client.NewAPIClient(cc.ServerURL, cc.Token, cc.Timeout)
	r, err := client.NewReconciler(client.NewFileTombstones(cc.StateFile), apiClient)
	if err != nil {
		return nil, fmt.Errorf("load tombstones: %w", err)
	}
	return &clientEnv{api: apiClient, reconciler: r, token: cc.Token}, nil
}

func clientList(ctx context.Context, cmd *cli.Command) error {
	env, err := openClient(cmd)
	if err != nil {
		return err
	}
	m, err := env.api.FetchManifest(ctx)
	if err != nil {
		return err
	}
	visible, err := env.reconciler.Apply(m)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"generated": m.Generated,
		"visible":   visible,
		"pending":   env.reconciler.PendingIDs(),
	})
}

func clientDelete(ctx context.Context, cmd *cli.Command) error {
	ids := cmd.Args().Slice()
	if len(ids) == 0 {
		return fmt.Errorf("at least one image id is required")
	}
	env, err := openClient(cmd)
	if err != nil {
		return err
	}
	report, err := env.reconciler.Delete(ctx, ids...)
	if perr := printJSON(report); perr != nil {
		return perr
	}
	return err
}

func clientWatch(ctx context.Context, cmd *cli.Command) error {
	env, err := openClient(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	return client.Watch(ctx, env.api.WebSocketURL(), env.reconciler, env.api, client.WatchOptions{
		Token: env.token,
		OnUpdate: func(images []models.ImageRecord) {
			logger.Info("client: gallery updated",
				slog.Int("visible", len(images)),
				slog.Int("pending_deletes", len(env.reconciler.PendingIDs())))
		},
		Logger: logger,
	})
}

func clientCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Usage:   "Gallery server base URL (overrides client.server_url)",
			Sources: cli.EnvVars("GALLERY_SERVER_URL"),
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "Admin bearer token (overrides client.token)",
			Sources: cli.EnvVars("GALLERY_TOKEN"),
		},
	}
	return &cli.Command{
		Name:  "client",
		Usage: "Reconcile a local view of the gallery against a server",
		Flags: flags,
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "Print visible images, hiding pending deletes",
				Action: clientList,
			},
			{
				Name:      "delete",
				Usage:     "Delete images by id (hidden locally until the server confirms)",
				ArgsUsage: "<id> [id...]",
				Action:    clientDelete,
			},
			{
				Name:   "watch",
				Usage:  "Follow the realtime channel and refresh on every update",
				Action: clientWatch,
			},
		},
	}
}
