// Command n54flash drives one flash session against an MSD80/MSD81
// controller from the command line: load configuration, open the
// configured transport, run the seven-layer validator, and execute the
// connect/backup/erase/write/verify/finalize sequence, exiting with the
// code spec.md §6 assigns to the outcome.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/openflash/n54ecu/pkg/calibration"
	"github.com/openflash/n54ecu/pkg/config"
	"github.com/openflash/n54ecu/pkg/flash"
	"github.com/openflash/n54ecu/pkg/isotp"
	"github.com/openflash/n54ecu/pkg/transport"
	_ "github.com/openflash/n54ecu/pkg/transport/rawsocketcan"
	_ "github.com/openflash/n54ecu/pkg/transport/serialgw"
	_ "github.com/openflash/n54ecu/pkg/transport/socketcan"
	"github.com/openflash/n54ecu/pkg/uds"
	"github.com/openflash/n54ecu/pkg/uds/security"
)

func main() {
	configPath := flag.String("config", "n54flash.ini", "path to the run configuration")
	candidatePath := flag.String("candidate", "", "path to the candidate calibration image")
	stockPath := flag.String("stock", "", "path to the last-known-good stock image (optional, enables forbidden-region diffing)")
	ackWarnings := flag.Bool("ack-warnings", false, "acknowledge unclassified-region warnings and proceed past layer 7")
	dryRun := flag.Bool("dry-run", false, "run Phase A validation only, never opens the bus")
	oplogPath := flag.String("oplog", "", "path to append JSON-lines operation log entries (optional)")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9100 (optional)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	if *candidatePath == "" {
		fmt.Fprintln(os.Stderr, "n54flash: -candidate is required")
		os.Exit(int(flash.ExitInternalInvariant))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "n54flash: %v\n", err)
		os.Exit(int(flash.ExitInternalInvariant))
	}

	variant, err := calibration.Lookup(cfg.Variant.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "n54flash: %v\n", err)
		os.Exit(int(flash.ExitInternalInvariant))
	}

	candidate, err := os.ReadFile(*candidatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "n54flash: read candidate: %v\n", err)
		os.Exit(int(flash.ExitValidationRefused))
	}
	var stock []byte
	if *stockPath != "" {
		stock, err = os.ReadFile(*stockPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "n54flash: read stock image: %v\n", err)
			os.Exit(int(flash.ExitValidationRefused))
		}
	}

	algoOrder := cfg.Security.AlgorithmOrder
	if len(algoOrder) == 0 {
		for _, a := range security.Standard() {
			algoOrder = append(algoOrder, a.Name)
		}
	}
	algorithms, err := security.Resolve(algoOrder)
	if err != nil {
		fmt.Fprintf(os.Stderr, "n54flash: %v\n", err)
		os.Exit(int(flash.ExitInternalInvariant))
	}

	var metrics *flash.Metrics
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = flash.NewMetrics(reg)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			log.Infof("[MAIN] serving metrics on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Errorf("[MAIN] metrics server: %v", err)
			}
		}()
	}

	var oplog *flash.OpLog
	if *oplogPath != "" {
		oplog, err = flash.OpenOpLog(*oplogPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "n54flash: %v\n", err)
			os.Exit(int(flash.ExitInternalInvariant))
		}
		defer oplog.Close()
	}

	opts := flash.RunOptions{
		Candidate:       candidate,
		StockImage:      stock,
		BackupStorePath: cfg.Safety.BackupStorePath,
		BackupTimestamp: time.Now().UTC().Format(time.RFC3339),
		AckWarnings:     *ackWarnings || !cfg.Safety.RequireExplicitWarningAck,
		Metrics:         metrics,
		OpLog:           oplog,
	}

	if *dryRun {
		result, rejection := calibration.Validate(candidate, stock, variant)
		if rejection != nil {
			fmt.Fprintf(os.Stderr, "n54flash: validation refused at layer %q: %s\n", rejection.Layer, rejection.Detail)
			os.Exit(int(flash.ExitValidationRefused))
		}
		for _, w := range result.Warnings {
			fmt.Printf("n54flash: warning: offset x%06x: %s\n", w.Offset, w.Detail)
		}
		fmt.Println("n54flash: dry run passed, no bus traffic was generated")
		os.Exit(int(flash.ExitSuccess))
	}

	bus, err := transport.New(cfg.Transport.Driver, cfg.Transport.Channel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "n54flash: open transport: %v\n", err)
		os.Exit(int(flash.ExitConnectFailure))
	}
	defer bus.Close()

	iso := isotp.NewSession(bus, isotpTxID, isotpRxID, isotp.Config{})
	client := uds.NewClient(iso, uds.Config{
		P2:             cfg.Timing.P2,
		P2Star:         cfg.Timing.P2Star,
		Algorithms:     algorithms,
		LockoutBackoff: time.Duration(cfg.Security.LockoutBackoffMs) * time.Millisecond,
	})
	defer client.StopKeepAlive()

	session := flash.NewSession(client, variant)
	go logEvents(session)

	if err := flash.Run(session, opts); err != nil {
		fmt.Fprintf(os.Stderr, "n54flash: %v\n", err)
		if coded, ok := err.(interface{ ExitCode() flash.ExitCode }); ok {
			os.Exit(int(coded.ExitCode()))
		}
		os.Exit(int(flash.ExitInternalInvariant))
	}
	fmt.Println("n54flash: finalized")
	os.Exit(int(flash.ExitSuccess))
}

// isotpTxID/isotpRxID are the standard UDS diagnostic addressing pair used
// across the MSD80/MSD81 range; a future multi-ECU configuration would
// move these into config.Variant.
const (
	isotpTxID = 0x612
	isotpRxID = 0x613
)

func logEvents(session *flash.FlashSession) {
	for ev := range session.Events {
		if ev.Progress != nil {
			log.Infof("[MAIN] phase=%s (%d/%d bytes)", ev.Phase, ev.Progress.BytesSent, ev.Progress.BytesTotal)
		} else {
			log.Infof("[MAIN] phase=%s %s", ev.Phase, ev.Detail)
		}
		if ev.Terminal {
			return
		}
	}
}
