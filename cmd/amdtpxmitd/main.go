// Command amdtpxmitd runs the AMDTP isochronous transmit core as a
// standalone daemon: it owns the shared-memory audio ring, the DCL
// program and the transmitter state machine, and drives them against the
// built-in software simulator (transport.Simulator).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/brutella/dnssd"
	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"github.com/warthog618/go-gpiocdev"

	"github.com/fwaudio/amdtp-xmit/amdtp"
	"github.com/fwaudio/amdtp-xmit/internal/config"
	"github.com/fwaudio/amdtp-xmit/internal/logging"
	"github.com/fwaudio/amdtp-xmit/internal/port"
	"github.com/fwaudio/amdtp-xmit/internal/ring"
	"github.com/fwaudio/amdtp-xmit/internal/tracelog"
	"github.com/fwaudio/amdtp-xmit/internal/transmitter"
	"github.com/fwaudio/amdtp-xmit/internal/transport"
)

func main() {
	log := logging.For("amdtpxmitd")

	configPath := pflag.StringP("config", "c", "", "path to a YAML configuration file")
	cfg := config.Defaults()
	config.RegisterFlags(pflag.CommandLine, &cfg)
	pflag.Parse()

	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal("failed to load configuration", "err", err)
		}
		// Re-parse the command line onto the loaded values in a fresh flag
		// set, so command-line flags win over the file.
		fs := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
		fs.StringP("config", "c", "", "path to a YAML configuration file")
		config.RegisterFlags(fs, &loaded)
		_ = fs.Parse(os.Args[1:])
		cfg = loaded
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", "err", err)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("amdtpxmitd exited with error", "err", err)
	}
}

func run(cfg config.Config, log *charmlog.Logger) error {
	r, err := ring.Create(cfg.RingName, ring.Config{
		Capacity:      uint32(cfg.RingCapacity),
		SampleRateHz:  uint32(cfg.SampleRateHz),
		ChannelCount:  uint32(cfg.ChannelCount),
		BytesPerFrame: uint32(cfg.BytesPerFrame),
	})
	if err != nil {
		return fmt.Errorf("create shared-memory ring: %w", err)
	}
	defer func() { r.Close(); r.Unlink() }()
	r.SetStreamActive(true)
	defer r.SetStreamActive(false)

	resolver := port.Fixed{Info: port.Info{LocalPort: 0, IsochChannel: cfg.IsochChannel, LocalNodeID: 0xffc0}}
	info, err := resolver.Resolve()
	if err != nil {
		return fmt.Errorf("resolve local port: %w", err)
	}
	log.Info("resolved local port", "info", info.String())

	tracer, err := tracelog.New(cfg.TraceLogDir)
	if err != nil {
		return fmt.Errorf("open trace log: %w", err)
	}
	defer tracer.Close()

	var stopActivity func()
	if cfg.GPIOActivityLine != "" {
		stop, err := startActivityIndicator(cfg.GPIOActivityLine)
		if err != nil {
			log.Warn("gpio activity indicator unavailable", "err", err)
		} else {
			stopActivity = stop
			defer stopActivity()
		}
	}

	var stopAdvertise func()
	if cfg.AdvertiseMDNS {
		stop, err := advertiseService(cfg)
		if err != nil {
			log.Warn("mdns advertisement unavailable", "err", err)
		} else {
			stopAdvertise = stop
			defer stopAdvertise()
		}
	}

	nub := &transport.Simulator{}
	tr := transmitter.New()
	if err := tr.Initialize(cfg.TransmitterConfig(), r, nub); err != nil {
		return fmt.Errorf("initialize transmitter: %w", err)
	}
	tr.SetTrace(func(index int, pkt amdtp.PrecalculatedPacket) {
		if err := tracer.Write(time.Now(), index, pkt); err != nil {
			log.Warn("trace log write failed", "err", err)
		}
	})

	tr.AddListener(func(n transmitter.Notification) {
		switch n.Kind {
		case transmitter.Underrun:
			log.Warn("ring underrun")
		case transmitter.OverrunRecovered:
			log.Warn("dcl overrun recovered", "attempt", n.Attempt)
		case transmitter.OverrunRecoveryFailed:
			log.Error("dcl overrun recovery exhausted, stopping", "attempt", n.Attempt)
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := tr.StartTransmit(ctx); err != nil {
		return fmt.Errorf("start transmit: %w", err)
	}
	log.Info("transmitting", "channel", cfg.IsochChannel, "rate", cfg.SampleRateHz)

	<-ctx.Done()
	log.Info("shutting down")
	return tr.StopTransmit()
}

// startActivityIndicator toggles a GPIO line while the daemon is
// transmitting. line is "chip:offset", e.g. "gpiochip0:5".
func startActivityIndicator(line string) (func(), error) {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("gpio line %q must be chip:offset", line)
	}
	offset, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("gpio line %q: %w", line, err)
	}

	l, err := gpiocdev.RequestLine(parts[0], offset, gpiocdev.AsOutput(1))
	if err != nil {
		return nil, fmt.Errorf("request gpio line %s:%d: %w", parts[0], offset, err)
	}

	return func() {
		l.SetValue(0)
		l.Close()
	}, nil
}

// advertiseService publishes this stream over mDNS so AVB/AMDTP-aware
// tooling can discover it without a separate directory service.
func advertiseService(cfg config.Config) (func(), error) {
	responder, err := dnssd.NewResponder()
	if err != nil {
		return nil, err
	}

	svcCfg := dnssd.Config{
		Name: fmt.Sprintf("amdtp-xmit-ch%d", cfg.IsochChannel),
		Type: "_amdtp._udp",
		Port: 0,
		Text: map[string]string{
			"rate":    strconv.Itoa(cfg.SampleRateHz),
			"channel": strconv.Itoa(cfg.IsochChannel),
		},
	}
	service, err := dnssd.NewService(svcCfg)
	if err != nil {
		return nil, err
	}
	if _, err := responder.Add(service); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	go responder.Respond(ctx) //nolint:errcheck

	return cancel, nil
}
