// Command ucpd runs a UCP listener or dials a UCP peer, primarily as a
// reference harness for exercising pkg/ucp outside of tests.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ucptransport/ucp/internal/config"
	"github.com/ucptransport/ucp/pkg/ucp"
)

func main() {
	if err := rootCommand().ExecuteContext(setupContext()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupContext() context.Context {
	ctx := dcontext.WithSoftness(context.Background())
	logger := logrus.StandardLogger()
	logger.SetLevel(logrus.InfoLevel)
	return dlog.WithLogger(ctx, dlog.WrapLogrus(logger))
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ucpd",
		Short:         "a UCP listener/dialer harness",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand(), dialCommand())
	return root
}

func applyLogLevel(ctx context.Context, level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		dlog.Warnf(ctx, "ucpd: unrecognized log level %q, leaving default", level)
		return
	}
	logrus.SetLevel(lvl)
}

func serveCommand() *cobra.Command {
	var listenAddr, metricsAddr string
	var window uint32

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "listen for inbound UCP connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := config.LoadEnv(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				env.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("metrics") {
				env.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("window") {
				env.LocalWindow = window
			}
			applyLogLevel(ctx, env.LogLevel)
			return runServer(ctx, env)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "address to listen on, overrides UCPD_LISTEN_ADDR")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "address to serve /metrics on, overrides UCPD_METRICS_ADDR")
	cmd.Flags().Uint32Var(&window, "window", 0, "local receive window, overrides UCPD_LOCAL_WINDOW")
	return cmd
}

func runServer(ctx context.Context, env config.Env) error {
	endpoint, err := ucp.ListenUDP(env.ListenAddr)
	if err != nil {
		return err
	}
	dlog.Infof(ctx, "ucpd: listening on %s", endpoint.LocalAddr())

	registry := prometheus.NewRegistry()
	metrics := ucp.NewMetrics(registry)

	mux := ucp.NewMux(endpoint, env.LocalWindow, metrics, func(ctx context.Context, s *ucp.Stream) {
		dlog.Infof(ctx, "ucpd: stream with %s, session %d", s.RemoteAddr(), s.SessionID())
	})

	group := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
	group.Go("driver", func(ctx context.Context) error {
		return mux.Run(ctx)
	})
	if env.MetricsAddr != "" {
		group.Go("metrics", func(ctx context.Context) error {
			return serveMetrics(ctx, env.MetricsAddr, registry)
		})
	}

	runErr := group.Wait()
	var result *multierror.Error
	result = multierror.Append(result, runErr)
	if closeErr := mux.CloseAll(); closeErr != nil {
		result = multierror.Append(result, closeErr)
	}
	return result.ErrorOrNil()
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	dlog.Infof(ctx, "ucpd: serving metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func dialCommand() *cobra.Command {
	var window uint32

	cmd := &cobra.Command{
		Use:   "dial <remote>",
		Short: "dial a UCP peer and echo stdin to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := config.LoadEnv(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("window") {
				env.LocalWindow = window
			}
			applyLogLevel(ctx, env.LogLevel)
			return runClient(ctx, env, args[0])
		},
	}
	cmd.Flags().Uint32Var(&window, "window", 0, "local receive window, overrides UCPD_LOCAL_WINDOW")
	return cmd
}

func runClient(ctx context.Context, env config.Env, remote string) error {
	endpoint, err := ucp.ListenUDP(":0")
	if err != nil {
		return err
	}
	remoteAddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := ucp.NewMetrics(registry)

	mux := ucp.NewMux(endpoint, env.LocalWindow, metrics, func(ctx context.Context, s *ucp.Stream) {
		dlog.Infof(ctx, "ucpd: stream with %s, session %d", s.RemoteAddr(), s.SessionID())
	})

	group := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
	group.Go("driver", func(ctx context.Context) error {
		return mux.Run(ctx)
	})

	stream, err := mux.Dial(ctx, remoteAddr)
	if err != nil {
		return err
	}
	dlog.Infof(ctx, "ucpd: dialing %s, session %d", remoteAddr, stream.SessionID())

	group.Go("stdin", func(ctx context.Context) error {
		return copyStdinToStream(ctx, stream)
	})
	group.Go("stdout", func(ctx context.Context) error {
		return copyStreamToStdout(ctx, stream)
	})

	return group.Wait()
}

// copyStdinToStream feeds stdin to Send in chunks until EOF or ctx is done.
func copyStdinToStream(ctx context.Context, stream *ucp.Stream) error {
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			stream.Send(buf[:n])
		}
		if err != nil {
			return nil
		}
	}
}

// copyStreamToStdout polls Recv on a short interval and writes whatever
// arrives to stdout, until ctx is done.
func copyStreamToStdout(ctx context.Context, stream *ucp.Stream) error {
	buf := make([]byte, 4096)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := stream.Recv(buf); n > 0 {
				os.Stdout.Write(buf[:n])
			}
		}
	}
}
