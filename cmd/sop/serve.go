package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sopline/internal/app"
	"sopline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the API, /metrics and the OpenAPI document. Webhooks configured in sopline.yml are delivered while the server runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				addr = firstNonEmpty(addr, rt.Config.Server.Addr, "127.0.0.1:8080")
				basePath = firstNonEmpty(basePath, rt.Config.Server.BasePath, "/v0")
				handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Log: logger})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				if d := server.NewWebhookDispatcher(rt.Engine, logger); d != nil {
					g.Go(func() error {
						d.Run(ctx)
						return nil
					})
				}
				logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath), zap.String("context_id", rt.Config.Context.ID))
				fmt.Printf("Serving Sopline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr from sopline.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path from sopline.yml)")
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
