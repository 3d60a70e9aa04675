// embercored is the device node daemon: it brings up the configured
// packet interfaces, the RPC server, telemetry logging, and the
// diagnostics listener.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/embercore/internal/config"
	"github.com/danmuck/embercore/internal/diag"
	"github.com/danmuck/embercore/internal/epacket"
	"github.com/danmuck/embercore/internal/epoch"
	"github.com/danmuck/embercore/internal/kv"
	"github.com/danmuck/embercore/internal/logging"
	"github.com/danmuck/embercore/internal/observability"
	"github.com/danmuck/embercore/internal/pubsub"
	"github.com/danmuck/embercore/internal/reboot"
	"github.com/danmuck/embercore/internal/rpc"
	tdflogger "github.com/danmuck/embercore/internal/tdf/logger"
	"github.com/danmuck/embercore/internal/watchdog"
)

func main() {
	configPath := flag.String("config", "config.toml", "device configuration path")
	flag.Parse()

	logging.ConfigureRuntime()
	observability.RegisterMetrics()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}
	sec, err := cfg.SecurityState()
	if err != nil {
		log.Fatal().Err(err).Msg("identity")
	}
	log.Info().
		Str("device", cfg.Device.ID).
		Uint32("network", cfg.Network.ID).
		Msg("node starting")

	store := kv.NewStore()
	for _, key := range cfg.DisabledKeys {
		store.Disable(key)
	}
	tracker := reboot.NewTracker(store)

	shutdown := make(chan reboot.Reason, 1)
	requestShutdown := func(reason reboot.Reason, detail string) {
		tracker.Record(reason, detail)
		select {
		case shutdown <- reason:
		default:
		}
	}

	dog := watchdog.NewMonitor(func(channel string) {
		log.Error().Str("channel", channel).Msg("watchdog expired")
		requestShutdown(reboot.ReasonWatchdog, channel)
	})
	defer dog.Stop()

	mgr := epacket.NewManager(sec, epacket.NewRegistry(sec), epacket.Config{})
	defer mgr.Close()

	ifaces, closers, err := bringUpInterfaces(mgr, cfg.Interfaces)
	if err != nil {
		log.Fatal().Err(err).Msg("interfaces")
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	srv := rpc.NewServer(mgr, rpc.ServerConfig{
		Runners:           cfg.RPC.Runners,
		CommandQueueDepth: cfg.RPC.CommandQueueDepth,
		DataQueueDepth:    cfg.RPC.DataQueueDepth,
		Watchdog:          dog,
	})
	defer srv.Close()
	rpc.RegisterBuiltins(srv, &rpc.BuiltinEnv{
		KV:          store,
		Version:     cfg.Device.Version,
		Started:     time.Now(),
		RebootCount: tracker.Count(),
	})
	mgr.SetRPCHandlers(srv.HandleCommand, srv.HandleData, nil)

	logCfgs := make([]tdflogger.Config, 0, len(ifaces))
	for _, iface := range ifaces {
		logCfgs = append(logCfgs, tdflogger.Config{Interface: iface})
	}
	loggers, err := tdflogger.NewSet(mgr, logCfgs)
	if err != nil {
		log.Fatal().Err(err).Msg("telemetry outputs")
	}

	topics := pubsub.NewRegistry()
	stopTelemetry := make(chan struct{})
	defer close(stopTelemetry)
	go publishUptime(topics, tracker, stopTelemetry)
	go logTelemetry(topics, loggers, stopTelemetry)

	if cfg.Diag.Enabled {
		diagSrv := diag.NewServer(diag.Config{
			Addr:        cfg.Diag.Addr,
			CorsOrigins: cfg.Diag.CorsOrigins,
			AdminToken:  cfg.Diag.AdminToken,
		}, mgr, tracker, versionString(cfg.Device.Version))
		diagSrv.RequestReboot = func(detail string) {
			requestShutdown(reboot.ReasonRequested, detail)
		}
		go func() {
			if err := diagSrv.Serve(); err != nil {
				log.Error().Err(err).Msg("diag stopped")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			diagSrv.Shutdown(ctx)
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		tracker.Record(reboot.ReasonRequested, sig.String())
	case reason := <-shutdown:
		log.Info().Str("reason", reason.String()).Msg("shutting down")
	}
}

func bringUpInterfaces(mgr *epacket.Manager, cfg config.InterfacesConfig) ([]*epacket.Interface, []io.Closer, error) {
	var ifaces []*epacket.Interface
	var closers []io.Closer

	if cfg.UDP.Enabled {
		udp, err := epacket.NewUDPBackend(cfg.UDP.Listen, cfg.UDP.Peer, cfg.UDP.MTU)
		if err != nil {
			return nil, closers, err
		}
		iface, err := mgr.AddInterface(udp)
		if err != nil {
			return nil, closers, err
		}
		ifaces, closers = append(ifaces, iface), append(closers, udp)
	}

	if cfg.Serial.Enabled {
		port, err := openSerialPort(cfg.Serial)
		if err != nil {
			return nil, closers, err
		}
		iface, err := mgr.AddInterface(epacket.NewSerialBackend(port, cfg.Serial.MTU))
		if err != nil {
			return nil, closers, err
		}
		ifaces, closers = append(ifaces, iface), append(closers, port)
	}

	if cfg.BTAdv {
		local, _ := epacket.NewBTAdvPair()
		iface, err := mgr.AddInterface(local)
		if err != nil {
			return nil, closers, err
		}
		ifaces = append(ifaces, iface)
	}
	if cfg.BTGatt {
		local, _ := epacket.NewBTGattPair()
		iface, err := mgr.AddInterface(local)
		if err != nil {
			return nil, closers, err
		}
		ifaces = append(ifaces, iface)
	}

	if len(ifaces) == 0 {
		return nil, closers, os.ErrInvalid
	}
	return ifaces, closers, nil
}

func openSerialPort(cfg config.SerialConfig) (io.ReadWriteCloser, error) {
	if cfg.Device != "" {
		return os.OpenFile(cfg.Device, os.O_RDWR, 0)
	}
	vid, err := config.ParseDeviceID(cfg.USBVendor)
	if err != nil {
		return nil, err
	}
	pid, err := config.ParseDeviceID(cfg.USBProduct)
	if err != nil {
		return nil, err
	}
	return epacket.OpenUSBSerial(uint16(vid), uint16(pid))
}

// Telemetry channel and TDF ids for the node's own readings.
const (
	chanUptime  uint16 = 0x0001
	tdfIDUptime uint16 = 0x0010
)

// publishUptime produces the node uptime reading.
func publishUptime(topics *pubsub.Registry, tracker *reboot.Tracker, stop chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			seconds := uint32(tracker.Uptime() / time.Second)
			topics.Publish(chanUptime, binary.LittleEndian.AppendUint32(nil, seconds))
		}
	}
}

// logTelemetry drains published readings into the TDF outputs.
func logTelemetry(topics *pubsub.Registry, loggers *tdflogger.Set, stop chan struct{}) {
	l := topics.Subscribe(chanUptime)
	defer l.Close()
	for {
		select {
		case <-stop:
			return
		default:
		}
		if err := l.Wait(time.Second); err != nil {
			continue
		}
		payload, release := l.Claim()
		sample := append([]byte(nil), payload...)
		release()
		if len(sample) != 4 {
			continue
		}
		if err := loggers.Log(tdflogger.MaskAll, tdfIDUptime, 4, epoch.Now(), sample); err != nil {
			log.Warn().Err(err).Msg("uptime sample dropped")
		}
		loggers.Flush(tdflogger.MaskAll)
	}
}

func versionString(v uint32) string {
	return fmt.Sprintf("%d.%d.%d", v>>16&0xFF, v>>8&0xFF, v&0xFF)
}
