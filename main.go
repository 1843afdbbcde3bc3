package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tr1v3r/pkg/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tr1v3r/gupnp/internal/config"
	"github.com/tr1v3r/gupnp/internal/controlpoint"
	"github.com/tr1v3r/gupnp/internal/gena"
	"github.com/tr1v3r/gupnp/internal/host"
	"github.com/tr1v3r/gupnp/internal/httpserver"
	"github.com/tr1v3r/gupnp/internal/invoke"
	"github.com/tr1v3r/gupnp/internal/monitoring"
	"github.com/tr1v3r/gupnp/internal/netutil"
	"github.com/tr1v3r/gupnp/internal/renderer"
	"github.com/tr1v3r/gupnp/internal/transport"
	"github.com/tr1v3r/gupnp/internal/upnp"
	"github.com/tr1v3r/gupnp/internal/uuid"
	"github.com/tr1v3r/gupnp/internal/workerpool"
)

const serverName = "Linux/1.0 UPnP/1.0 gupnp/1.0"

func main() {
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "gupnp",
		Usage: "UPnP device host and control point",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file"},
			&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "dotenv file, skipped when missing"},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if cmd.Bool("debug") {
				log.SetLevel(log.DebugLevel)
			}
			return ctx, nil
		},
		Commands: []*cli.Command{serveCommand(), invokeCommand(), watchCommand()},
	}
	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Error("gupnp: %v", err)
		log.Close()
		os.Exit(1)
	}
}

func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg, err := config.Load(cmd.String("config"), cmd.String("env-file"))
	if err != nil {
		return cfg, err
	}
	if cmd.IsSet("port") {
		cfg.HTTPPort = int(cmd.Int("port"))
	}
	return cfg, nil
}

// stack is the shared plumbing of every command.
type stack struct {
	cfg     config.Config
	metrics *monitoring.Metrics
	client  *transport.Client
	pool    *workerpool.Pool
	engine  *invoke.Engine
}

func newStack(cfg config.Config) *stack {
	metrics := monitoring.New()
	pool := workerpool.NewPool(cfg.Workers)
	return &stack{
		cfg:     cfg,
		metrics: metrics,
		client:  &transport.Client{ReadTimeout: cfg.ReadTimeout, MaxChunkSize: cfg.MaxChunkSize, UserAgent: serverName},
		pool:    pool,
		engine:  invoke.NewEngine(pool, invoke.WithTimeout(cfg.InvokeTimeout), invoke.WithMetrics(metrics)),
	}
}

func (s *stack) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.engine.Wait(ctx); err != nil {
		log.Info("pending invocations abandoned: %v", err)
	}
	s.pool.Close()
}

// serve runs srv on ln until ctx ends.
func (s *stack) serve(ctx context.Context, g *errgroup.Group, rt *httpserver.Router, ln net.Listener) *workerpool.Pool {
	// connections get their own pool so handlers waiting on the engine
	// cannot starve it
	connPool := workerpool.NewPool(s.cfg.Workers * 4)
	srv := httpserver.New(rt, connPool,
		httpserver.WithReadTimeout(s.cfg.ReadTimeout),
		httpserver.WithMaxChunkSize(s.cfg.MaxChunkSize),
	)
	g.Go(func() error {
		if err := srv.Serve(ctx, ln); err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Close()
	})
	return connPool
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "host the sample media renderer",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "HTTP port"},
			&cli.StringFlag{Name: "address", Usage: "advertised IPv4 address"},
			&cli.DurationFlag{Name: "metrics-interval", Value: 5 * time.Minute, Usage: "metrics log interval, 0 disables"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			udn, err := uuid.LoadOrCreate(cfg.UUIDPath)
			if err != nil {
				log.Info("udn not stored, using %s for this run: %v", udn, err)
			}
			ip := cmd.String("address")
			if ip == "" {
				if ip, err = netutil.FirstUsableIPv4(); err != nil {
					return err
				}
			}
			base := netutil.BaseURL(ip, cfg.HTTPPort)

			s := newStack(cfg)
			defer s.close()
			publisher := gena.NewPublisher(s.client,
				gena.WithSubscriptionTimeout(cfg.SubscriptionTimeout),
				gena.WithInitialNotifyTimeout(cfg.InitialNotifyTimeout),
				gena.WithMaxQueue(cfg.MaxQueue),
				gena.WithPublisherMetrics(s.metrics),
			)
			defer publisher.Close()

			r, err := renderer.New(udn, cfg.FriendlyName, nil)
			if err != nil {
				return err
			}
			defer r.Wait()
			h := host.New(s.engine, publisher, host.WithBaseURL(base), host.WithServer(serverName))
			if err := h.AddDevice(r.Device); err != nil {
				return err
			}

			rt := httpserver.NewRouter()
			rt.Use(httpserver.LogMiddleware(s.metrics))
			h.Register(rt)

			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HTTPPort))
			if err != nil {
				return err
			}
			g, ctx := errgroup.WithContext(ctx)
			connPool := s.serve(ctx, g, rt, ln)
			defer connPool.Close()

			if every := cmd.Duration("metrics-interval"); every > 0 {
				g.Go(func() error {
					t := time.NewTicker(every)
					defer t.Stop()
					for {
						select {
						case <-ctx.Done():
							return nil
						case <-t.C:
							s.metrics.LogMetrics()
						}
					}
				})
			}

			log.Info("serving %q udn=%s location=%s", cfg.FriendlyName, udn, base+host.DescriptionPath(udn))
			err = g.Wait()
			log.Info("bye")
			return err
		},
	}
}

// parseArgs turns name=value pairs into wire arguments.
func parseArgs(pairs []string) ([]upnp.RawArgument, error) {
	out := make([]upnp.RawArgument, 0, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("argument %q: want name=value", p)
		}
		out = append(out, upnp.RawArgument{Name: name, Value: value})
	}
	return out, nil
}

func findService(d *upnp.Device, name string) (*upnp.Service, error) {
	var found *upnp.Service
	d.Walk(func(e *upnp.Device) {
		if found == nil {
			found = e.Service(name)
		}
	})
	if found == nil {
		return nil, fmt.Errorf("%w: %s", controlpoint.ErrUnknownService, name)
	}
	return found, nil
}

func invokeCommand() *cli.Command {
	return &cli.Command{
		Name:      "invoke",
		Usage:     "call an action of a remote device",
		ArgsUsage: "<location> <service> <action> [name=value ...]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := cmd.Args().Slice()
			if len(args) < 3 {
				return cli.Exit("want <location> <service> <action> [name=value ...]", 2)
			}
			raw, err := parseArgs(args[3:])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s := newStack(cfg)
			defer s.close()

			// no callbacks are served: invoke never subscribes
			cp := controlpoint.New(s.client, s.engine, "http://127.0.0.1/callback/")
			defer cp.Close()
			d, err := cp.AddDevice(ctx, args[0])
			if err != nil {
				return err
			}
			svc, err := findService(d, args[1])
			if err != nil {
				return err
			}
			a := svc.Action(args[2])
			if a == nil {
				return upnp.NewActionError(upnp.ErrCodeInvalidAction, "%s: no action %s", svc.ServiceID, args[2])
			}
			in, err := a.ParseInputs(raw)
			if err != nil {
				return err
			}
			out, err := cp.Invoke(ctx, svc, a.Name, in)
			if err != nil {
				return err
			}
			formatted, err := a.FormatArgs(out)
			if err != nil {
				return err
			}
			for _, o := range formatted {
				fmt.Printf("%s=%s\n", o.Name, o.Value)
			}
			return nil
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "subscribe to events of a remote device",
		ArgsUsage: "<location> [service ...]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "callback port, 0 picks one"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := cmd.Args().Slice()
			if len(args) < 1 {
				return cli.Exit("want <location> [service ...]", 2)
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			port := 0
			if cmd.IsSet("port") {
				port = cfg.HTTPPort
			}
			ip, err := netutil.LocalIPFor(args[0])
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
			if err != nil {
				return err
			}

			s := newStack(cfg)
			defer s.close()
			cp := controlpoint.New(s.client, s.engine, "http://"+ln.Addr().String()+"/callback/",
				controlpoint.WithManagerOptions(
					gena.WithSubscriptionOptions(gena.WithRequestedTimeout(cfg.RequestedTimeout)),
					gena.WithManagerMetrics(s.metrics),
				),
			)
			rt := httpserver.NewRouter()
			rt.Use(httpserver.LogMiddleware(s.metrics))
			cp.Register(rt)

			g, ctx := errgroup.WithContext(ctx)
			connPool := s.serve(ctx, g, rt, ln)
			defer connPool.Close()
			defer cp.Close()

			d, err := cp.AddDevice(ctx, args[0])
			if err != nil {
				return err
			}
			services := d.AllServices()
			if len(args) > 1 {
				services = nil
				for _, name := range args[1:] {
					svc, err := findService(d, name)
					if err != nil {
						return err
					}
					services = append(services, svc)
				}
			}

			for _, svc := range services {
				ch := cp.Events(svc)
				if _, err := cp.Subscribe(svc); err != nil {
					return err
				}
				g.Go(func() error {
					for {
						select {
						case <-ctx.Done():
							cp.Unsubscribe(ch)
							return nil
						case v, ok := <-ch:
							if !ok {
								return nil
							}
							printEvent(v.(controlpoint.Event))
						}
					}
				})
			}
			log.Info("watching udn=%s services=%d callback=%s", d.UDN, len(services), ln.Addr())
			return g.Wait()
		},
	}
}

func printEvent(ev controlpoint.Event) {
	parts := make([]string, 0, len(ev.Vars))
	for _, v := range ev.Vars {
		parts = append(parts, fmt.Sprintf("%s=%v", v.Name, v.Value))
	}
	fmt.Printf("%s %s seq=%d %s\n", ev.Device, ev.Service, ev.Seq, strings.Join(parts, " "))
}
