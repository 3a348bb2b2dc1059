// Command producer renders test frames into shared buffers and streams their
// handles to the consumer, as fast as the consumer's credits allow.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"framepipe/buffer"
	"framepipe/channel"
	"framepipe/config"
	"framepipe/control"
	"framepipe/debug"
	"framepipe/errdefs"
	"framepipe/pipeline"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.ParseProducer(os.Args[1:])
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
	debug.Debug("producer: clean shutdown", debug.INFO)
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

func serve(ctx context.Context, cfg *config.Producer) error {
	shmPath := cfg.ShmPath()
	block, err := control.Create(shmPath)
	if err != nil {
		return err
	}
	defer func() {
		block.Close()
		if err := control.Remove(shmPath); err != nil {
			debug.Debug(fmt.Sprintf("remove %s: %v", shmPath, err), debug.WARN)
		}
	}()
	debug.Debug(fmt.Sprintf("control block at %s", shmPath), debug.DEBUG)

	ln, err := channel.Listen(cfg.SocketPath)
	if err != nil {
		return err
	}
	debug.Debug(fmt.Sprintf("waiting for consumer on %s", cfg.SocketPath), debug.INFO)

	// one consumer per run
	conn, err := ln.Accept(ctx)
	ln.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer conn.Close()

	session := uuid.NewString()
	debug.Debug(fmt.Sprintf("consumer connected, session %s", session), debug.INFO)

	prod := pipeline.NewProducer(block, conn, buffer.NewMemfdAllocator("framepipe-producer"), pipeline.ProducerConfig{
		PoolSize: cfg.PoolSize,
		BarWidth: cfg.BarWidth,
		BarSpeed: cfg.BarSpeed,
		IdleWait: cfg.IdleWait.Duration,
	})
	defer prod.Close()

	err = prod.Run(ctx, conn.WatchPeer())

	for _, o := range block.ReadAll() {
		debug.Debug(fmt.Sprintf("session %s: output %d: %d frames sent", session, o.ID, prod.Sent(o.ID)), debug.INFO)
	}
	return err
}
