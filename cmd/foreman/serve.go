package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"foreman/internal/app"
	"foreman/internal/config"
	"foreman/internal/ganttfile"
	"foreman/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noWork bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serve exposes the API, runs the worker crew, delivers webhooks, and reloads foreman.yml and the schedule file when they change on disk.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				if ids, err := rt.Recover(ctx); err != nil {
					return err
				} else if len(ids) > 0 {
					rt.Logger.Printf("recovered %d executing task(s)", len(ids))
				}
				handler, err := server.New(server.Config{Runtime: rt, BasePath: basePath})
				if err != nil {
					return err
				}

				var wg sync.WaitGroup
				if !noWork {
					wg.Add(1)
					go func() {
						defer wg.Done()
						rt.Pool.Run(ctx, rt.Config.Workers.TickInterval())
					}()
				}
				hooks := server.NewWebhookDispatcher(rt.Repo, rt.Config.Webhooks, rt.Logger)
				wg.Add(1)
				go func() {
					defer wg.Done()
					hooks.Run(ctx, 0)
				}()
				stopWatch, err := watchFiles(ctx, rt)
				if err != nil {
					rt.Logger.Printf("file watch disabled: %v", err)
				} else {
					defer stopWatch()
				}

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Foreman API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				serveErr := srv.ListenAndServe()
				cancel()
				wg.Wait()
				cancelInFlight(rt, "server stopped")
				if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
					return serveErr
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noWork, "no-work", false, "serve the API without running workers")
	return cmd
}

// watchFiles reloads the admission policy when the config file changes and
// the schedule document when another process rewrites it.
func watchFiles(ctx context.Context, rt *app.Runtime) (func(), error) {
	cfgPath := config.Path(rt.Workspace)
	cfgWatch, err := ganttfile.NewWatcher(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := cfgWatch.Start(); err != nil {
		return nil, err
	}
	schedWatch, err := ganttfile.NewWatcher(rt.SchedulePath())
	if err != nil {
		cfgWatch.Stop()
		return nil, err
	}
	if err := schedWatch.Start(); err != nil {
		cfgWatch.Stop()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-cfgWatch.Changes:
				if !ok {
					return
				}
				cfg, err := config.FromFile(cfgPath)
				if err != nil {
					rt.Logger.Printf("config reload: %v", err)
					continue
				}
				if err := rt.ApplyConfig(cfg); err != nil {
					rt.Logger.Printf("config reload: %v", err)
					continue
				}
				rt.Logger.Printf("config reloaded from %s", cfgPath)
			case _, ok := <-schedWatch.Changes:
				if !ok {
					return
				}
				c, err := rt.Schedule(ctx)
				if err != nil {
					rt.Logger.Printf("schedule reload: %v", err)
					continue
				}
				if err := c.Reload(ctx); err != nil {
					rt.Logger.Printf("schedule reload: %v", err)
				}
			}
		}
	}()
	return func() {
		cfgWatch.Stop()
		schedWatch.Stop()
		<-done
	}, nil
}
