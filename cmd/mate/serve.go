package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/TomasBorquez/logger"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/TomasBorquez/mate/internal/config"
	mate "github.com/TomasBorquez/mate/pkg"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on, overrides the configuration",
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Directory to serve, overrides the configuration",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if c.IsSet("port") {
				cfg.Server.Port = c.Int("port")
			}
			if c.IsSet("dir") {
				cfg.Static.Dir = c.String("dir")
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	mcfg, err := cfg.Configuration()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mcfg.Metrics = registry
	mcfg.TransportMiddleware = []func(http.Handler) http.Handler{middleware.RealIP}

	if cfg.Accept.Rate > 0 {
		mcfg.AcceptPolicy = mate.RateLimitPolicy(rate.Limit(cfg.Accept.Rate), cfg.Accept.Burst)
	}

	cache, err := openContentCache(ctx, cfg.ContentCache, mate.DefaultErrorLogger)
	if err != nil {
		return err
	}
	defer cache.close()
	mcfg.CacheRead = cache.read
	mcfg.CacheWrite = cache.write

	app := mate.New(mcfg)
	app.SetNotFound(func(req *mate.Request, res *mate.Response) {
		res.ContentType = "text/html"
		res.Content = "<h1>Not Found</h1><p>" + req.Path + "</p>"
	})

	api := app.CreateRouter("/api")
	api.SetMimeType("application/json")
	registerDemoRoutes(api)

	static := app.CreateRouter("")
	if cfg.Static.Listing {
		static.ServeDirectory(cfg.Static.Mount, cfg.Static.Dir)
	} else {
		static.ServeFiles(cfg.Static.Mount, cfg.Static.Dir)
	}

	if err := app.StartAsync(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	logger.Success(fmt.Sprintf("[MATE]: Serving %s on port: %d", cfg.Static.Dir, app.Port()))

	admin := newAdminServer(cfg.Admin.Address, app, registry)
	if admin != nil {
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("[MATE]: Admin listener: %v", err)
			}
		}()
	}

	stopped := make(chan struct{})
	go func() {
		app.Await()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		logger.Custom("[MATE]: Shutting down...")
	case <-stopped:
	}

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = admin.Shutdown(shutdownCtx)
	}

	if err := app.Stop(); err != nil && !errors.Is(err, mate.ErrNotRunning) {
		return err
	}
	return nil
}

func registerDemoRoutes(api *mate.Router) {
	api.Get("/", func(req *mate.Request) (mate.Response, error) {
		return mate.String("Test String"), nil
	})

	api.Get("/hello/(?P<name>[a-zA-Z]+)", func(req *mate.Request) (mate.Response, error) {
		return mate.JSON(map[string]string{"hello": req.PathParams["name"]})
	})

	api.Get(mate.PathToRegexp("/users/:id"), func(req *mate.Request) (mate.Response, error) {
		return mate.JSON(map[string]string{"user": req.PathParams["id"]})
	})

	api.Get("/sum", func(req *mate.Request) (mate.Response, error) {
		a, _ := req.Param("a")
		b, _ := req.Param("b")
		return mate.JSON(map[string]string{"a": a, "b": b})
	}, mate.Required("a", mate.Number()), mate.Required("b", mate.Number()))

	api.Post("/echo", func(req *mate.Request) (mate.Response, error) {
		var body map[string]any
		if err := req.ParseBody(&body); err != nil {
			return mate.Status(400).SendString("Body must be a JSON object"), nil
		}
		return mate.JSON(body)
	})

	api.Get("/private", func(req *mate.Request) (mate.Response, error) {
		auth := req.BasicAuthorization()
		if !auth.Present {
			return mate.Unauthorized("mate"), nil
		}
		return mate.String("Hello " + auth.Username), nil
	})
}
