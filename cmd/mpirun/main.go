// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// mpirun starts a job of N processes of one program. It serves the
// rendezvous service the processes join through and prefixes every line of
// their output with the rank.
//
//	mpirun -n 4 [--transport tcp] [--job ID] prog [args...]
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/mpi"
)

var (
	npFlag = cli.IntFlag{
		Name:  "np, n",
		Usage: "number of processes",
		Value: 1,
	}
	transportFlag = cli.StringFlag{
		Name:  "transport",
		Usage: "link transport (" + fmt.Sprint(mpi.AvailableTransports()) + ")",
		Value: mpi.DefaultTransport,
	}
	jobFlag = cli.StringFlag{
		Name:  "job",
		Usage: "job identifier (default: random)",
	}
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "YAML config file passed to every process",
	}
	metricsFlag = cli.IntFlag{
		Name:  "metrics-port",
		Usage: "serve /metrics of rank i on 127.0.0.1:port+i (0 disables)",
	}
	verboseFlag     = cli.BoolFlag{Name: "v", Usage: "info logging"}
	veryVerboseFlag = cli.BoolFlag{Name: "vv", Usage: "debug logging"}
	quietFlag       = cli.BoolFlag{Name: "q", Usage: "only log errors"}
	noColorFlag     = cli.BoolFlag{Name: "no-color", Usage: "disable colored output"}
)

var palette = []color.Attribute{
	color.FgHiCyan,
	color.FgHiGreen,
	color.FgHiYellow,
	color.FgHiMagenta,
	color.FgHiBlue,
	color.FgHiRed,
}

func main() {
	app := cli.NewApp()
	app.Name = "mpirun"
	app.Usage = "run a message-passing job"
	app.UsageText = "mpirun -n N [options] prog [args...]"
	app.HideVersion = true
	app.Flags = []cli.Flag{
		npFlag, transportFlag, jobFlag, configFlag, metricsFlag,
		verboseFlag, veryVerboseFlag, quietFlag, noColorFlag,
	}
	app.Before = func(c *cli.Context) error {
		if c.Bool(noColorFlag.Name) {
			color.NoColor = true
		}
		return nil
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgHiRed).Sprint("Error: ")+err.Error())
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.NewExitError("missing program to run", 2)
	}
	np := c.Int("np")
	if np < 1 {
		return cli.NewExitError(fmt.Sprintf("invalid process count %d", np), 2)
	}
	transport := c.String(transportFlag.Name)
	if !mpi.HasTransport(transport) {
		return cli.NewExitError(fmt.Sprintf("unknown transport %q", transport), 2)
	}
	level := mpi.LevelFromFlags(c.Bool(veryVerboseFlag.Name), c.Bool(verboseFlag.Name), c.Bool(quietFlag.Name))
	log := mpi.NewLogger(os.Stderr, level)

	job := c.String(jobFlag.Name)
	if job == "" {
		job = mpi.NewJobID()
	}
	log = log.With("job", job)

	rdv := mpi.NewRendezvous()
	handler, err := rdv.Handler()
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return errors.Wrap(err, "rendezvous listen")
	}
	mux := http.NewServeMux()
	mux.Handle(mpi.RendezvousPath, handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go srv.Serve(listener)
	defer srv.Close()

	runner := launch{
		prog:       c.Args().First(),
		args:       c.Args().Tail(),
		size:       np,
		job:        job,
		transport:  transport,
		rendezvous: "http://" + listener.Addr().String() + mpi.RendezvousPath,
		config:     c.String(configFlag.Name),
		metrics:    c.Int(metricsFlag.Name),
		logLevel:   levelName(level),
	}
	log.Info("starting job", "np", np, "transport", transport, "rendezvous", runner.rendezvous)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := runner.run(ctx, log); err != nil {
		code := 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			code = exitErr.ExitCode()
		}
		return cli.NewExitError(err.Error(), code)
	}
	return nil
}

type launch struct {
	prog       string
	args       []string
	size       int
	job        string
	transport  string
	rendezvous string
	config     string
	metrics    int
	logLevel   string
}

// env returns the MPI_* variables of rank
func (l *launch) env(rank int) []string {
	env := []string{
		mpi.EnvSize + "=" + strconv.Itoa(l.size),
		mpi.EnvRank + "=" + strconv.Itoa(rank),
		mpi.EnvJob + "=" + l.job,
		mpi.EnvRendezvous + "=" + l.rendezvous,
		mpi.EnvTransport + "=" + l.transport,
		mpi.EnvLogLevel + "=" + l.logLevel,
	}
	if l.config != "" {
		env = append(env, mpi.EnvConfig+"="+l.config)
	}
	if l.metrics > 0 {
		env = append(env, mpi.EnvMetricsAddr+"=127.0.0.1:"+strconv.Itoa(l.metrics+rank))
	}
	return env
}

// run starts every rank and waits for all of them. The first failure
// kills the rest of the job.
func (l *launch) run(ctx context.Context, log *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	var outMu sync.Mutex
	for rank := 0; rank < l.size; rank++ {
		rank := rank
		tag := color.New(palette[rank%len(palette)]).Sprintf("[%d] ", rank)
		stdout := &prefixWriter{mu: &outMu, out: os.Stdout, prefix: tag}
		stderr := &prefixWriter{mu: &outMu, out: os.Stderr, prefix: tag}

		cmd := exec.CommandContext(gctx, l.prog, l.args...)
		cmd.Env = append(os.Environ(), l.env(rank)...)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		cmd.WaitDelay = 5 * time.Second
		g.Go(func() error {
			defer stdout.flush()
			defer stderr.flush()
			if err := cmd.Run(); err != nil {
				log.Warn("rank failed", "rank", rank, slog.String("err", err.Error()))
				return errors.Wrapf(err, "rank %d", rank)
			}
			log.Debug("rank exited", "rank", rank)
			return nil
		})
	}
	return g.Wait()
}

func levelName(level slog.Level) string {
	switch {
	case level <= slog.LevelDebug:
		return "debug"
	case level <= slog.LevelInfo:
		return "info"
	case level <= slog.LevelWarn:
		return "warn"
	}
	return "error"
}
