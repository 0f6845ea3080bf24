// Command gpio-agent runs on the machine's single-board computer. It samples
// the traffic-light and counter lines and serves them as a device link.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rnp-monitoreo/backend/internal/agent"
	"github.com/rnp-monitoreo/backend/internal/gpio"
	"github.com/rnp-monitoreo/backend/internal/logging"
)

type agentFlags struct {
	addr      string
	path      string
	machineID int
	chip      string
	activeLow bool
	poll      time.Duration
	heartbeat time.Duration
	logLevel  string
	pins      gpio.Pins
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := agentFlags{pins: gpio.DefaultPins}

	cmd := &cobra.Command{
		Use:          "gpio-agent",
		Short:        "Stream machine lamp and counter lines over WebSocket",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.addr, "addr", ":8080", "listen address")
	fl.StringVar(&f.path, "path", "/ws", "WebSocket path")
	fl.IntVar(&f.machineID, "machine-id", 0, "machine id included in frames (0 omits it)")
	fl.StringVar(&f.chip, "chip", "gpiochip0", "GPIO chip name")
	fl.BoolVar(&f.activeLow, "active-low", false, "lines read low when the lamp is on")
	fl.DurationVar(&f.poll, "poll", 50*time.Millisecond, "sampling period")
	fl.DurationVar(&f.heartbeat, "heartbeat", time.Second, "resend an unchanged reading after this long")
	fl.StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	fl.IntVar(&f.pins.Verde, "pin-verde", gpio.DefaultPins.Verde, "green lamp line offset")
	fl.IntVar(&f.pins.Amarillo, "pin-amarillo", gpio.DefaultPins.Amarillo, "yellow lamp line offset")
	fl.IntVar(&f.pins.Rojo, "pin-rojo", gpio.DefaultPins.Rojo, "red lamp line offset")
	fl.IntVar(&f.pins.Contador, "pin-contador", gpio.DefaultPins.Contador, "counter line offset")
	return cmd
}

func run(ctx context.Context, f agentFlags) error {
	logger := logging.New(logging.ParseLevel(f.logLevel))

	reader, err := gpio.NewRealReader(f.chip, f.pins, f.activeLow)
	if err != nil {
		return fmt.Errorf("open gpio: %w", err)
	}
	defer reader.Close()

	srv := agent.NewServer(reader, agent.Options{
		MachineID:    f.machineID,
		PollInterval: f.poll,
		Heartbeat:    f.heartbeat,
		Logger:       logger,
	})
	go srv.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle(f.path, srv)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok clients=%d\n", srv.Clients())
	})

	hs := &http.Server{
		Addr:              f.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gpio agent listening", "addr", f.addr, "path", f.path, "chip", f.chip, "machine_id", f.machineID)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}
