// Command sbdtx queues microSWIFT payloads and sends them over an Iridium
// SBD modem.
//
//	sbdtx [-config file] enqueue <payload-file>...
//	sbdtx [-config file] [-window d] drain
//	sbdtx [-config file] [-window d] text <message>
//	sbdtx [-config file] status
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	sbd "github.com/microswift/gosbd"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file (defaults when empty)")
	window := flag.Duration("window", 0, "call window for drain and text (0 = burst interval minus burst length)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] enqueue <file>... | drain | text <message> | status\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	config := sbd.DefaultConfig()
	if *configPath != "" {
		var err error
		if config, err = sbd.LoadConfig(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	logger := newLogger(config.Log)
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callWindow := *window
	if callWindow == 0 {
		callWindow = config.CallDuration()
	}
	if err := run(ctx, config, callWindow, logger, flag.Args()); err != nil {
		fmt.Fprintf(logger, "ERROR: sbdtx: %v\n", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(config sbd.LogConfig) *sbd.Logger {
	var out io.Writer = os.Stdout
	if config.File != "" {
		out = &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   true,
		}
	}
	return sbd.NewLogger(out, config.Level, "sbdtx")
}

// enqueueFiles submits each file and prints the record ids to out. Files
// holding malformed payloads are logged and skipped. It stops at the first
// file it cannot read or queue.
func enqueueFiles(engine *sbd.Engine, names []string, out, logger io.Writer) (queued, skipped int, err error) {
	for _, name := range names {
		data, err := os.ReadFile(name)
		if err != nil {
			return queued, skipped, fmt.Errorf("enqueue: %w", err)
		}
		rec, err := engine.SubmitBytes(data)
		if errors.Is(err, sbd.ErrFormat) {
			fmt.Fprintf(logger, "ERROR: sbdtx: skipping %s: %v\n", name, err)
			skipped++
			continue
		}
		if err != nil {
			return queued, skipped, fmt.Errorf("enqueue %s: %w", name, err)
		}
		fmt.Fprintln(out, rec.ID)
		queued++
	}
	return queued, skipped, nil
}

func run(ctx context.Context, config sbd.Config, callWindow time.Duration, logger io.Writer, args []string) error {
	queue, err := sbd.OpenQueue(config.Queue.Dir,
		sbd.WithQueueLogger(logger),
		sbd.WithSensorTypeOffset(config.Payload.SensorTypeOffset))
	if err != nil {
		return err
	}
	counter, err := sbd.LoadMessageCounter(filepath.Join(config.Queue.Dir, sbd.MessageCounterFile))
	if err != nil {
		return err
	}

	var power sbd.PowerLine = sbd.NopPowerLine{}
	if config.Power.Line >= 0 {
		gpio := sbd.NewGPIOPowerLine(config.Power.Chip, config.Power.Line)
		defer gpio.Close()
		power = gpio
	}
	modems := sbd.NewSerialModemFactory(config, power, sbd.SerialOpener)
	modems.SetLogger(logger)
	engine := sbd.NewEngine(config, queue, counter, modems, logger)

	switch cmd := args[0]; cmd {
	case "enqueue":
		if len(args) < 2 {
			return errors.New("enqueue: no payload files")
		}
		queued, skipped, err := enqueueFiles(engine, args[1:], os.Stdout, logger)
		fmt.Fprintf(logger, "INFO: sbdtx: queued %d payloads, skipped %d\n", queued, skipped)
		return err

	case "drain":
		ctx, cancel := context.WithTimeout(ctx, callWindow)
		defer cancel()
		fmt.Fprintf(logger, "INFO: sbdtx: draining %d queued payloads within %v\n", engine.Pending(), callWindow)
		report, err := engine.Drain(ctx)
		fmt.Printf("sent %d, dropped %d, remaining %d\n", report.Sent, report.Dropped, report.Remaining)
		return err

	case "text":
		if len(args) != 2 {
			return errors.New("text: want exactly one message argument")
		}
		ctx, cancel := context.WithTimeout(ctx, callWindow)
		defer cancel()
		return engine.SendText(ctx, args[1])

	case "status":
		fmt.Printf("queue:      %s\n", queue.Dir())
		fmt.Printf("pending:    %d\n", engine.Pending())
		fmt.Printf("message id: %d\n", engine.MessageID())
		for _, rec := range queue.SnapshotLIFO() {
			fmt.Printf("  %s\n", rec.ID)
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
