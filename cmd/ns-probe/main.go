package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"TapLedger/internal/config"
	"TapLedger/internal/engine/protocol"
	"TapLedger/internal/probe"
	"TapLedger/internal/probe/tracker"
	"TapLedger/pkg/logger"
	"TapLedger/pkg/pcap"

	"github.com/google/uuid"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	iface := flag.String("iface", "", "Interface to capture from; overrides probe.interface.")
	pcapFile := flag.String("pcap", "", "Capture file to replay; overrides probe.pcap_file.")
	tapID := flag.String("tap-id", "", "Tap id stamped on every report; overrides probe.tap_id.")
	keepTime := flag.Bool("keep-time", false, "Report replayed sessions at their capture times instead of shifting them to now.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *iface != "" {
		cfg.Probe.Interface, cfg.Probe.PcapFile = *iface, ""
	}
	if *pcapFile != "" {
		cfg.Probe.PcapFile, cfg.Probe.Interface = *pcapFile, ""
	}
	if *tapID != "" {
		cfg.Probe.TapID = *tapID
	}
	log := logger.New("ns-probe", logger.ParseLevel(cfg.Log.Level))

	if err := run(cfg, *keepTime, log); err != nil {
		log.Error("ns-probe failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, keepTime bool, log *slog.Logger) error {
	id, err := uuid.Parse(cfg.Probe.TapID)
	if err != nil {
		return fmt.Errorf("invalid probe.tap_id %q: %w", cfg.Probe.TapID, err)
	}
	if cfg.Probe.Interface == "" && cfg.Probe.PcapFile == "" {
		return errors.New("either an interface or a pcap file is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pub, err := openPublisher(cfg, log)
	if err != nil {
		return err
	}
	defer pub.Close()

	tr := tracker.New(cfg.Probe.NumShards, cfg.Probe.IdleTimeout)
	reporter := probe.NewReporter(tr, pub, id, cfg.Probe.ReportInterval, log)

	if cfg.Probe.PcapFile != "" {
		return replay(ctx, cfg, reporter, keepTime, log)
	}
	return capture(ctx, cfg, tr, reporter, log)
}

func openPublisher(cfg *config.Config, log *slog.Logger) (probe.ReportPublisher, error) {
	if cfg.Ingest.Transport == "kafka" {
		return probe.NewKafkaPublisher(cfg.Ingest.Kafka)
	}
	return probe.NewPublisher(cfg.Probe.NATSURL, cfg.Probe.SubjectPrefix, log)
}

// capture tracks live traffic and reports on wall-clock intervals.
func capture(ctx context.Context, cfg *config.Config, tr *tracker.Tracker, reporter *probe.Reporter, log *slog.Logger) error {
	reader, err := pcap.NewLiveReader(cfg.Probe.Interface)
	if err != nil {
		return err
	}
	defer reader.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		reporter.Run(ctx)
	}()

	log.Info("capturing", "interface", cfg.Probe.Interface, "report_interval", cfg.Probe.ReportInterval)
	n, err := reader.ReadPackets(ctx, func(ts time.Time, p *protocol.Packet) {
		tr.Process(p, ts)
	})
	<-done
	log.Info("capture stopped", "packets", n)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// replay tracks a capture file and reports on capture-time intervals, so a
// replay yields the same reports as the live capture would have.
func replay(ctx context.Context, cfg *config.Config, reporter *probe.Reporter, keepTime bool, log *slog.Logger) error {
	reader, err := pcap.NewReader(cfg.Probe.PcapFile)
	if err != nil {
		return err
	}
	defer reader.Close()

	var rebase time.Time
	if !keepTime {
		rebase = time.Now().UTC()
	}
	n, err := reporter.Replay(ctx, reader, cfg.Probe.IdleTimeout, rebase)
	if err != nil {
		return err
	}
	log.Info("replay finished", "file", cfg.Probe.PcapFile, "packets", n, "rebased", !keepTime)
	return nil
}
