// Command framepipe is a terminal monitor for a running producer/consumer
// pair. The left half shows the control block and, when the consumer serves
// statistics, its per-output queues; the right half shows the log.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"

	"framepipe/config"
	"framepipe/control"
	"framepipe/debug"
	"framepipe/errdefs"
	"framepipe/stats"
)

type LogBuffer struct {
	messages []string
	mutex    sync.Mutex
}

var logBuffer LogBuffer

// Write implements the io.Writer interface for LogBuffer
func (lb *LogBuffer) Write(p []byte) (n int, err error) {
	lb.mutex.Lock()
	defer lb.mutex.Unlock()
	for _, line := range strings.Split(strings.TrimSpace(string(p)), "\n") {
		lb.messages = append(lb.messages, strings.TrimSpace(line))
	}
	if len(lb.messages) > 1000 {
		lb.messages = lb.messages[len(lb.messages)-1000:]
	}
	return len(p), nil
}

// Last returns up to n of the newest messages, oldest first
func (lb *LogBuffer) Last(n int) []string {
	lb.mutex.Lock()
	defer lb.mutex.Unlock()
	start := max(0, len(lb.messages)-n)
	return append([]string(nil), lb.messages[start:]...)
}

// update is posted to the screen on every refresh
type update struct {
	outputs []control.Output
	snap    *stats.Snapshot
}

// quit is posted to the screen when a termination signal arrives
type quit struct {
	sig os.Signal
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.ParseMonitor(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	debug.SetDebug(cfg.Debug)
	debug.SetOutput(&logBuffer)
	if cfg.LogFile != "" {
		if err := debug.SetLogFile(cfg.LogFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer debug.CloseLogFile()
	}
	debug.Debug("Program started", debug.INFO)

	block, err := control.OpenReadOnly(cfg.ShmPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return errdefs.ExitCode(err)
	}
	defer block.Close()

	var client *stats.Client
	if cfg.StatsAddr != "" {
		client, err = stats.Dial(cfg.StatsAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer client.Close()
	}

	// Initialize screen
	s, err := tcell.NewScreen()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := s.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer func() {
		s.Fini()
		fmt.Println("Terminal restored.")
	}()
	debug.Debug("Screen initialized", debug.DEBUG)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := setupSignalHandling(s)
	defer stop()

	go poll(ctx, s, block, client, cfg.Interval.Duration)

	return eventLoop(s, cfg)
}

// eventLoop draws updates until an exit key or a signal ends it
func eventLoop(s tcell.Screen, cfg *config.Monitor) int {
	var last update
	for {
		ev := s.PollEvent()
		switch ev := ev.(type) {
		case *tcell.EventResize:
			s.Clear()
			s.Sync()
			draw(s, cfg, last)
		case *tcell.EventKey:
			if ev.Key() == tcell.KeyEscape || ev.Key() == tcell.KeyCtrlC || ev.Rune() == 'q' {
				debug.Debug("Exit key pressed", debug.DEBUG)
				return 0
			}
		case *tcell.EventInterrupt:
			switch data := ev.Data().(type) {
			case quit:
				debug.Debug(fmt.Sprintf("Received signal: %v", data.sig), debug.INFO)
				return 0
			case update:
				last = data
			}
			draw(s, cfg, last)
		case nil:
			return 0
		}
	}
}

// Set up signal handling for graceful shutdown. The signal is handed to the
// event loop so run's deferred cleanup still happens.
func setupSignalHandling(s tcell.Screen) (stop func()) {
	signalChan := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-signalChan:
			s.PostEvent(tcell.NewEventInterrupt(quit{sig: sig}))
		case <-done:
		}
	}()
	return func() {
		signal.Stop(signalChan)
		close(done)
	}
}

// poll reads the control block and the stats service every interval
func poll(ctx context.Context, s tcell.Screen, block *control.Block, client *stats.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr string
	for {
		u := update{outputs: block.ReadAll()}
		if client != nil {
			sctx, cancel := context.WithTimeout(ctx, interval)
			snap, err := client.Snapshot(sctx)
			cancel()
			if err != nil {
				if err.Error() != lastErr {
					debug.Debug(fmt.Sprintf("stats: %v", err), debug.WARN)
					lastErr = err.Error()
				}
			} else {
				lastErr = ""
				u.snap = &snap
			}
		}
		s.PostEvent(tcell.NewEventInterrupt(u))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// rows formats the output table
func rows(outputs []control.Output, snap *stats.Snapshot) []string {
	header := fmt.Sprintf("%-3s %-10s %-12s", "ID", "GEOMETRY", "CREDIT")
	if snap != nil {
		header += fmt.Sprintf(" %-11s %4s %8s %8s  %s", "STATE", "FIFO", "RECV", "DISP", "FLIP avg/min/max ms")
	}
	lines := []string{header}

	byID := make(map[int]stats.Output)
	if snap != nil {
		for _, o := range snap.Outputs {
			byID[o.ID] = o
		}
	}

	for _, o := range outputs {
		credit := strings.Repeat("#", min(max(o.Credit, 0), control.DefaultCapacity))
		line := fmt.Sprintf("%-3d %-10s %2d %-9s", o.ID, fmt.Sprintf("%dx%d", o.Width, o.Height), o.Credit, credit)
		if st, ok := byID[o.ID]; ok {
			line += fmt.Sprintf(" %-11s %4d %8d %8d  %.2f/%.2f/%.2f",
				st.State, st.FifoDepth, st.Received, st.Displayed, st.FlipAvgMs, st.FlipMinMs, st.FlipMaxMs)
		}
		lines = append(lines, line)
	}
	if len(outputs) == 0 {
		lines = append(lines, "no outputs published yet")
	}
	return lines
}

func drawText(s tcell.Screen, x, y, maxX int, style tcell.Style, text string) {
	for _, ch := range text {
		if x >= maxX {
			return
		}
		s.SetContent(x, y, ch, nil, style)
		x++
	}
}

func draw(s tcell.Screen, cfg *config.Monitor, u update) {
	width, height := s.Size()
	halfWidth := width / 2
	style := tcell.StyleDefault.Foreground(tcell.ColorWhite).Background(tcell.ColorBlack)
	title := style.Bold(true)

	for y := 0; y < height-1; y++ {
		for x := 0; x < halfWidth; x++ {
			s.SetContent(x, y, ' ', nil, style)
		}
	}

	drawText(s, 0, 0, halfWidth, title, fmt.Sprintf("framepipe  %s", cfg.ShmPath()))
	if u.snap != nil {
		drawText(s, 0, 1, halfWidth, style, fmt.Sprintf("session %s  up %s", u.snap.Session, u.snap.Uptime.Truncate(time.Second)))
	}
	for i, line := range rows(u.outputs, u.snap) {
		if 3+i >= height-1 {
			break
		}
		st := style
		if i == 0 {
			st = title
		}
		drawText(s, 0, 3+i, halfWidth, st, line)
	}

	displayLogRightHalf(s)

	// Display instructions
	for x := 0; x < width; x++ {
		s.SetContent(x, height-1, ' ', nil, style)
	}
	drawText(s, 0, height-1, width, style, "Press ESC or q to exit")
	s.Show()
}

func displayLogRightHalf(s tcell.Screen) {
	width, height := s.Size()
	halfWidth := width / 2
	style := tcell.StyleDefault.Foreground(tcell.ColorWhite).Background(tcell.ColorBlack)

	messages := logBuffer.Last(height - 1)
	for y := 0; y < height-1; y++ {
		for x := halfWidth; x < width; x++ {
			s.SetContent(x, y, ' ', nil, style)
		}
		if y < len(messages) {
			drawText(s, halfWidth+1, y, width, style, messages[y])
		}
	}
}
