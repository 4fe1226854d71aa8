// Command nbfcd is the notebook fan-control daemon: it loads a
// notebook-specific model config, drives the embedded controller through
// the matching backend, and exposes a local control socket for status
// queries and fan-speed overrides.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/nbfcd/nbfcd/internal/ecbackend"
	"github.com/nbfcd/nbfcd/internal/server"
	"github.com/nbfcd/nbfcd/internal/service"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	serviceConfigPath := flag.String("service-config", "/etc/nbfcd/service.json", "path to the mutable service config")
	modelConfigPath := flag.String("model-config", "/etc/nbfcd/model.json", "path to the notebook model config")
	socketPath := flag.String("socket", "/var/run/nbfcd.sock", "path of the control socket to listen on")
	readOnly := flag.Bool("read-only", false, "monitor temperatures and speeds without writing to the EC")
	ecType := flag.String("ec-type", "", "force a specific EC backend (ec_sys, acpi_ec, dev_port, dummy); empty auto-detects")
	debugEC := flag.Bool("debug-ec", false, "log every EC register read/write")
	versionMode := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionMode {
		fmt.Printf("nbfcd version %s\n", Version)
		return
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	forced, err := parseForcedECType(*ecType)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -ec-type")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc := service.New(log)
	if err := svc.Init(ctx, service.Options{
		ServiceConfigPath: *serviceConfigPath,
		ModelConfigPath:   *modelConfigPath,
		ReadOnly:          *readOnly,
		ForceECType:       forced,
		DebugEC:           *debugEC,
	}); err != nil {
		log.Fatal().Err(err).Msg("service initialization failed")
	}
	defer func() {
		if err := svc.Cleanup(); err != nil {
			log.Warn().Err(err).Msg("cleanup failed")
		}
	}()

	srv := server.New(*socketPath, svc, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(ctx, cancel); err != nil {
			log.Error().Err(err).Msg("control server stopped")
		}
	}()

	code := svc.Loop(ctx)
	cancel()
	wg.Wait()

	if err := svc.WriteTargetFanSpeedsToConfig(); err != nil {
		log.Warn().Err(err).Msg("failed to persist fan speeds on shutdown")
	}

	os.Exit(code)
}

func parseForcedECType(s string) (ecbackend.Kind, error) {
	if s == "" {
		return "", nil
	}
	switch s {
	case string(ecbackend.KindSys), string(ecbackend.KindACPI), string(ecbackend.KindDevPort), string(ecbackend.KindDummy):
		return ecbackend.Kind(s), nil
	default:
		return "", fmt.Errorf("unknown ec type %q", s)
	}
}
