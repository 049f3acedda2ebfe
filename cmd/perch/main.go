// Command perch boots one guest from a configuration file and runs it until
// the guest shuts down or the process receives an interrupt.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/perchvm/perch/internal/config"
	"github.com/perchvm/perch/internal/hv/factory"
	"github.com/perchvm/perch/internal/hv/hostcpu"
	"github.com/perchvm/perch/internal/hv/machine"
)

var (
	configPath = flag.String("config", "", "VM configuration file (.toml or .yaml)")
	verbose    = flag.Bool("verbose", false, "enable debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(); err != nil {
		slog.Error("perch: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if *configPath == "" {
		return fmt.Errorf("no configuration given; use -config")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	backend, err := factory.Open()
	if err != nil {
		return err
	}

	registry, err := hostcpu.Init(backend)
	if err != nil {
		return err
	}

	vm, err := machine.New(registry, cfg)
	if err != nil {
		return err
	}

	if err := vm.Init(); err != nil {
		return err
	}
	if err := vm.Start(); err != nil {
		vm.Stop()
		return err
	}
	slog.Info("perch: guest running", "vm", vm.Info())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	for vm.Status() < machine.StatusStopped {
		select {
		case s := <-sig:
			slog.Info("perch: stopping guest", "signal", s)
			if err := vm.Stop(); err != nil {
				return err
			}
		case <-time.After(100 * time.Millisecond):
		}
	}

	if err := vm.LastError(); err != nil {
		return err
	}
	slog.Info("perch: guest stopped", "vm", vm.Info())
	return nil
}
