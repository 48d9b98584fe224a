package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"desk/cmd/internal/channel"
	"desk/cmd/internal/desk"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// RunRelay is the entrypoint used by cmd/relay.
// It returns an error instead of calling os.Exit to keep defers effective.
func RunRelay() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// RunDesk is the entrypoint used by cmd/desk. Logs go to stderr; the transcript to stdout.
func RunDesk() error {
	cfg, err := LoadDeskConfig()
	if err != nil {
		return err
	}
	log := NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return runDesk(ctx, cfg, log, os.Stdin, os.Stdout)
}

// runDesk connects to the relay and runs the engine loop, connection watcher, renderer and
// command reader until one of them fails, input ends or ctx is done.
func runDesk(ctx context.Context, cfg DeskConfig, log Logger, in io.Reader, out io.Writer) error {
	conn, err := channel.Dial(ctx, channel.Options{
		URL:            cfg.RelayURL,
		Origin:         cfg.Origin,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg.RelayURL, err)
	}
	defer conn.Wait()
	defer func() { _ = conn.Close() }()

	// A nil Registerer keeps the engine collectors unregistered.
	var (
		reg        *prometheus.Registry
		registerer prometheus.Registerer
	)
	if cfg.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
		registerer = reg
	}

	engine := desk.NewEngine(conn,
		desk.WithLogger(log),
		desk.WithMetrics(desk.NewMetrics(registerer)),
		desk.WithFetchTimeout(cfg.FetchTimeout),
	)
	con := newConsole(engine, out)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return engine.Run(gctx) })

	g.Go(func() error {
		select {
		case <-conn.Done():
			if err := conn.Err(); err != nil {
				return fmt.Errorf("relay connection: %w", err)
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		if err := engine.Start(gctx); err != nil {
			return err
		}
		con.printf("connected to %s (type /help)\n", cfg.RelayURL)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-engine.Done():
				return nil
			case <-engine.Updates():
				con.render(engine.View())
			}
		}
	})

	lines := readLines(gctx.Done(), in)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := con.exec(gctx, line); err != nil {
					return err
				}
			}
		}
	})

	if reg != nil {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("desk.metrics.start", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	engine.Close()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

// readLines feeds in line by line until EOF or done. A Read already blocked on in is not
// interrupted; the goroutine exits once it returns.
func readLines(done <-chan struct{}, in io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case out <- sc.Text():
			case <-done:
				return
			}
		}
	}()
	return out
}
