package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ivbench/internal/protocol"
	"ivbench/internal/session"
)

// crashTail is how many backend output lines are shown when the backend
// fails to come up.
const crashTail = 20

func init() {
	rootCmd.AddCommand(runCmd)
	f := runCmd.Flags()
	f.StringVarP(&runSerial, "serial", "s", "", "serial port of the instrument")
	f.IntVarP(&runIterations, "iterations", "n", 1, "number of sweep steps")
	f.BoolVar(&runVoltSrc, "volt-src", true, "source voltage and measure current")
	f.Float64Var(&runVoltLimit, "volt-limit", 0, "compliance voltage limit")
	f.Float64Var(&runCurrLimit, "curr-limit", 0, "compliance current limit")
	f.Float64Var(&runUMin, "u-min", 0, "sweep start voltage")
	f.Float64Var(&runUMax, "u-max", 0, "sweep end voltage")
	f.Float64Var(&runIMin, "i-min", 0, "sweep start current")
	f.Float64Var(&runIMax, "i-max", 0, "sweep end current")
	f.Float64Var(&runDelay, "delay", 0, "delay between steps in seconds")
	f.BoolVar(&runBothWays, "both-ways", false, "sweep back to the start value")
	f.BoolVar(&runFourWire, "four-wire", false, "use 4-wire sensing")
	runCmd.MarkFlagRequired("serial")
}

var (
	runSerial     string
	runIterations int
	runVoltSrc    bool
	runVoltLimit  float64
	runCurrLimit  float64
	runUMin       float64
	runUMax       float64
	runIMin       float64
	runIMax       float64
	runDelay      float64
	runBothWays   bool
	runFourWire   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one measurement headless and print data points as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg := measurementConfig(cmd)
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sup, cleanup := newSupervisor(conf)
		defer cleanup()
		if err := sup.Start(ctx); err != nil {
			return err
		}
		defer sup.Stop(context.Background())

		readyCtx, cancel := context.WithTimeout(ctx, conf.Backend.ReadyTimeout)
		err = sup.WaitReady(readyCtx)
		cancel()
		if err != nil {
			for _, ev := range sup.Output(sup.Snapshot().RunID, crashTail) {
				log.Info().Str("stream", string(ev.Type)).Msg(ev.Data)
			}
			return fmt.Errorf("backend not ready: %w", err)
		}

		var (
			encMu   sync.Mutex
			enc     = json.NewEncoder(cmd.OutOrStdout())
			done    = make(chan struct{})
			once    sync.Once
			started atomic.Bool
		)
		observer := session.ObserverFunc(func(ev session.Event) {
			switch ev.Kind {
			case session.EventData:
				encMu.Lock()
				enc.Encode(ev.Point)
				encMu.Unlock()
			case session.EventState:
				if ev.State == session.StateMeasuring {
					started.Store(true)
				}
				if started.Load() && (ev.State == session.StateDisconnected || ev.State == session.StateError) {
					once.Do(func() { close(done) })
				}
			}
		})

		ctrl := session.NewController(session.Options{
			GraceDelay: conf.Session.GraceDelay,
			Observer:   observer,
		})
		if err := ctrl.Connect(ctx, conf.Session.URL); err != nil {
			return err
		}
		if !ctrl.StartMeasurement(cfg) {
			ctrl.Disconnect()
			return errors.New("measurement did not start")
		}

		select {
		case <-done:
		case <-ctx.Done():
			log.Info().Msg("interrupted, stopping measurement")
			ctrl.StopMeasurement()
		}

		if ctrl.State() == session.StateError {
			return ctrl.LastError()
		}
		log.Info().Str("session", ctrl.SessionID()).Int("points", len(ctrl.Data())).Msg("measurement complete")
		return nil
	},
}

// measurementConfig builds the start command from the flags. Optional
// limits are sent only when given.
func measurementConfig(cmd *cobra.Command) protocol.MeasurementConfig {
	flags := cmd.Flags()
	optFloat := func(name string, v float64) *float64 {
		if !flags.Changed(name) {
			return nil
		}
		return &v
	}
	optBool := func(name string, v bool) *bool {
		if !flags.Changed(name) {
			return nil
		}
		return &v
	}

	return protocol.MeasurementConfig{
		Port:       runSerial,
		Iterations: runIterations,
		IsVoltSrc:  runVoltSrc,
		VoltLimit:  optFloat("volt-limit", runVoltLimit),
		CurrLimit:  optFloat("curr-limit", runCurrLimit),
		UMin:       optFloat("u-min", runUMin),
		UMax:       optFloat("u-max", runUMax),
		IMin:       optFloat("i-min", runIMin),
		IMax:       optFloat("i-max", runIMax),
		Delay:      optFloat("delay", runDelay),
		IsBothWays: optBool("both-ways", runBothWays),
		Is4Wire:    optBool("four-wire", runFourWire),
	}
}
