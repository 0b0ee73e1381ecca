// cmd/serve.go
package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/accounts"
	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/artifact"
	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/cache"
	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/config"
	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/orchestrator"
	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/render"
	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the glslbot render service",
	Long: `Starts the HTTP service: job submission, stats and admin endpoints,
plus a websocket feed of observable events at /v1/events.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		store, err := accounts.OpenStore(cfg.Accounts.DBPath)
		if err != nil {
			return fmt.Errorf("open accounts store: %w", err)
		}
		defer store.Close()

		artifacts, err := artifact.NewStore(cfg.Cache.Dir)
		if err != nil {
			return fmt.Errorf("open artifact store: %w", err)
		}

		deps := orchestrator.Deps{
			Renderer:  render.NewToolchain(cfg.Render),
			Artifacts: artifacts,
			Bans:      store,
			History:   store,
		}
		if cfg.Redis.URL != "" {
			tier, err := cache.NewRedisTier(cmd.Context(), cfg.Redis.URL, cfg.Redis.Password)
			if err != nil {
				// Redis only adds durability; the service runs without it.
				log.Printf("serve: redis unavailable, cache is memory-only: %v", err)
			} else {
				deps.Durable = tier
				defer tier.Close()
			}
		}

		hub := server.NewHub()
		svc := orchestrator.New(cfg, deps, orchestrator.WithEventSink(hub.Broadcast))
		svc.Start()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		color.New(color.FgCyan, color.Bold).Printf("glslbot %s listening on %s\n", Version, cfg.Server.Addr)
		Debug("pool size %d, queue capacity %d", cfg.Pool.Size, cfg.Pool.QueueCapacity)

		srv := server.NewServer(cfg.Server, svc, hub)
		err = srv.Start(ctx)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pool.ShutdownGrace)
		defer cancel()
		if serr := svc.Shutdown(shutdownCtx); serr != nil {
			log.Printf("serve: shutdown: %v", serr)
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
