package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"pushsocket/internal/config"
	"pushsocket/internal/server"
)

var version = "dev"

const usage = `Usage: pushsocket [-c FILE] <command> [args]

Commands:
  server                                              run the relay and its HTTP API
  connection add <uuid> <device_id> <password> <endpoint>
  connection list [-anonymized]
  connection remove <uuid>
  test endpoint <endpoint>                            check that an endpoint may be used
  test uuid <uuid>                                    check that an account may register
  vapid generate                                      print a new VAPID private key
  vapid test <endpoint>                               print the VAPID header for an endpoint
  qrcode [-airgapped] [url]                           print the link to scan from the client
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type cli struct {
	cfg    config.Config
	logger zerolog.Logger
	stdout io.Writer
	stderr io.Writer
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pushsocket", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("c", "", "config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	// vapid generate needs no configuration.
	if len(rest) == 2 && rest[0] == "vapid" && rest[1] == "generate" {
		return generateVapid(stdout, stderr)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	c := &cli{cfg: cfg, logger: newLogger(cfg.LogLevel, stderr), stdout: stdout, stderr: stderr}

	switch rest[0] {
	case "server":
		return c.server()
	case "connection":
		return c.connection(rest[1:])
	case "test":
		return c.test(rest[1:])
	case "vapid":
		return c.vapid(rest[1:])
	case "qrcode":
		return c.qrcode(rest[1:])
	case "version":
		fmt.Fprintln(stdout, version)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", rest[0])
		fs.Usage()
		return 2
	}
}

func newLogger(level string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}

func (c *cli) server() int {
	gin.SetMode(c.cfg.GinMode)

	app, err := server.NewApp(c.cfg, version, c.logger)
	if err != nil {
		c.logger.Error().Err(err).Msg("Could not start")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Server stopped")
		return 1
	}
	return 0
}
