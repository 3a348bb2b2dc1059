// Command consumer owns the outputs. It connects to the producer, publishes
// output geometry and credit, and presents received frames one per refresh.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"

	"framepipe/buffer"
	"framepipe/channel"
	"framepipe/config"
	"framepipe/control"
	"framepipe/debug"
	"framepipe/display"
	"framepipe/errdefs"
	"framepipe/pipeline"
	"framepipe/stats"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.ParseConsumer(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	debug.SetDebug(cfg.Debug)
	if cfg.LogFile != "" {
		if err := debug.SetLogFile(cfg.LogFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer debug.CloseLogFile()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	if err := serve(ctx, cfg); err != nil {
		debug.Debug(err.Error(), debug.ERROR)
		return errdefs.ExitCode(err)
	}
	debug.Debug("consumer: clean shutdown", debug.INFO)
	return 0
}

// setupSignalHandling cancels ctx on interrupt or terminate
func setupSignalHandling(cancel context.CancelFunc) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		debug.Debug(fmt.Sprintf("Received signal: %v", sig), debug.INFO)
		cancel()
	}()
}

// watchKeys cancels on ESC, Ctrl-C or q while the screen is in raw mode
func watchKeys(s tcell.Screen, cancel context.CancelFunc) {
	for {
		switch ev := s.PollEvent().(type) {
		case *tcell.EventKey:
			if ev.Key() == tcell.KeyEscape || ev.Key() == tcell.KeyCtrlC || ev.Rune() == 'q' {
				debug.Debug("Exit key pressed", debug.INFO)
				cancel()
			}
		case nil:
			return
		}
	}
}

func serve(ctx context.Context, cfg *config.Consumer) error {
	outs, err := config.ParseOutputs(cfg.Outputs)
	if err != nil {
		return errdefs.New(errdefs.Setup, "outputs", err)
	}

	var opts []display.VirtualOption
	switch {
	case cfg.Sixel >= 0:
		opts = append(opts, display.WithPresenter(display.NewSixelPresenter(os.Stdout, cfg.Sixel)))
	case cfg.Text >= 0:
		s, err := tcell.NewScreen()
		if err == nil {
			err = s.Init()
		}
		if err != nil {
			return errdefs.New(errdefs.Setup, "text preview", err)
		}
		defer s.Fini()
		if cfg.LogFile == "" {
			// the screen owns the terminal
			debug.SetOutput(io.Discard)
		}
		opts = append(opts, display.WithPresenter(display.NewHalfBlockPresenter(s, cfg.Text, 100*time.Millisecond)))

		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go watchKeys(s, cancel)
	}
	disp, err := display.NewVirtual(outs, opts...)
	if err != nil {
		return errdefs.New(errdefs.Setup, "open display", err)
	}
	defer disp.Close()
	for _, o := range disp.Outputs() {
		debug.Debug(fmt.Sprintf("output %d: %s", o.ID, o), debug.INFO)
	}

	// connect first: the producer creates the control block before it listens
	conn, err := channel.Dial(cfg.SocketPath)
	if err != nil {
		return err
	}
	block, err := control.Open(cfg.ShmPath())
	if err != nil {
		conn.Close()
		return err
	}
	defer block.Close()

	rec := stats.NewRecorder()
	debug.Debug(fmt.Sprintf("session %s", rec.Session()), debug.INFO)

	cons := pipeline.NewConsumer(disp, buffer.NewMemfdAllocator("framepipe-consumer"), block, pipeline.ConsumerConfig{
		Capacity:     cfg.Capacity,
		DrainTimeout: cfg.DrainTimeout.Duration,
		StatsWindow:  cfg.StatsWindow,
	}, pipeline.WithRecorder(rec))

	if err := block.Publish(pipeline.ControlOutputs(disp.Outputs()), cfg.Capacity); err != nil {
		conn.Close()
		return errdefs.New(errdefs.Setup, "publish outputs", err)
	}

	if cfg.StatsAddr != "" {
		srv, err := stats.Listen(cfg.StatsAddr, rec)
		if err != nil {
			conn.Close()
			return errdefs.New(errdefs.Setup, "stats", err)
		}
		defer srv.Close()
		go func() {
			if err := srv.Serve(); err != nil {
				debug.Debug(fmt.Sprintf("stats: %v", err), debug.WARN)
			}
		}()
	}

	if cfg.Splash {
		if err := cons.Splash(); err != nil {
			conn.Close()
			cons.Drain()
			cons.ReleaseAll()
			return err
		}
	}

	return cons.Run(ctx, conn)
}
