package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"pdmcore/auditlog"
	"pdmcore/config"
	"pdmcore/nonce"
	"pdmcore/pdm"
	"pdmcore/radio"
	"pdmcore/shadow"
	"pdmcore/statusserver"
	"pdmcore/store"
)

// Version info - increment based on change magnitude:
// Major (x.0.0): Breaking changes, protocol-incompatible encodings
// Minor (0.y.0): New commands, new alert types
// Patch (0.0.z): Bug fixes, minor improvements
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if lvl, err := log.ParseLevel(cfg.Logs.Level); err == nil {
		log.SetLevel(lvl)
	}

	log.Infof("Starting PDM command core v%s", Version)
	log.Infof("  Radio: %s", cfg.Radio.Address)
	log.Infof("  Store: %s", cfg.Store.Dir)
	log.Infof("  Audit log path: %s", cfg.Logs.Path)
	log.Infof("  Status server port: %d", cfg.StatusServer.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Shutting down...")
		cancel()
	}()

	fileStore, err := store.NewFileStore(cfg.Store.Dir)
	if err != nil {
		log.Fatalf("Failed to open pod store: %v", err)
	}

	auditWriter := auditlog.NewWriter(cfg.Logs.Path, cfg.Logs.RetentionDays)
	defer auditWriter.Close()

	podShadow := loadOrCreatePod(fileStore, cfg)

	link := radio.NewUDPLink(cfg.Radio.Address)
	nonceGen := nonce.Restore(podShadow.IDLot, podShadow.IDT, podShadow.NonceSeed, podShadow.NonceLast)

	manager := pdm.New(podShadow, link, nonceGen, fileStore)
	manager.SetAuditLog(auditWriter)

	podKey := fmt.Sprintf("pod-%08x", podShadow.IDLot)
	statusSrv := statusserver.New(cfg.StatusServer.Port, []*statusserver.PodEntry{
		{Key: podKey, Pod: podShadow, Logs: auditWriter},
	})

	go func() {
		cleanupTicker := time.NewTicker(24 * time.Hour)
		defer cleanupTicker.Stop()
		statusTicker := time.NewTicker(5 * time.Minute)
		defer statusTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanupTicker.C:
				auditWriter.Cleanup()
			case <-statusTicker.C:
				if err := manager.UpdatePodStatus(ctx, 0); err != nil {
					log.Warnf("periodic status refresh failed: %v", err)
				}
			}
		}
	}()

	if err := statusSrv.Run(ctx); err != nil {
		log.Fatalf("status server error: %v", err)
	}
}

// loadOrCreatePod restores a persisted PodShadow from the store, or
// seeds a fresh unpaired shadow from config.Pod identity when none
// exists yet (spec.md §3's "Pod.New" path before activate_pod).
func loadOrCreatePod(st store.Store, cfg *config.Config) *shadow.Pod {
	podKey := fmt.Sprintf("pod-%08x", cfg.Pod.IDLot)
	pod := shadow.New(cfg.Pod.IDLot, cfg.Pod.IDT)
	found, err := store.LoadJSON(st, podKey, pod)
	if err != nil {
		log.Warnf("failed to load persisted pod shadow, starting fresh: %v", err)
		pod = shadow.New(cfg.Pod.IDLot, cfg.Pod.IDT)
	} else if !found {
		log.Infof("no persisted pod shadow for %s, starting fresh", podKey)
	}

	offset := cfg.Pod.UTCOffset
	pod.VarUtcOffset = &offset
	if cfg.Alerts.LowReservoirUnits != nil {
		v := decimalFromFloat(*cfg.Alerts.LowReservoirUnits)
		pod.VarAlertLowReservoir = &v
	}
	if cfg.Alerts.ReplacePodMinutes != nil {
		v := decimalFromFloat(float64(*cfg.Alerts.ReplacePodMinutes))
		pod.VarAlertReplacePod = &v
	}
	return pod
}

func decimalFromFloat(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}
