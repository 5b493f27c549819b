package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samsamfire/canspi"
	"github.com/samsamfire/canspi/internal/metrics"
	"github.com/samsamfire/canspi/pkg/bridge"
	"github.com/samsamfire/canspi/pkg/can"
	_ "github.com/samsamfire/canspi/pkg/can/socketcan"
	"github.com/samsamfire/canspi/pkg/can/spican"
	_ "github.com/samsamfire/canspi/pkg/can/virtualcan"
	"github.com/samsamfire/canspi/pkg/config"
	"github.com/samsamfire/canspi/pkg/spi"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

func main() {
	// Command line arguments
	configPath := flag.String("c", "", "configuration file path, defaults are used if empty")
	send := flag.String("send", "", "send a single frame and exit e.g. 123#DEADBEEF")
	bridgeTo := flag.String("bridge", "", "bridge the controller to another bus e.g. vcan0, localhost:18000")
	bridgeType := flag.String("bridge-type", "socketcan", "interface used for -bridge (socketcan, virtualcan)")
	metricsAddr := flag.String("metrics", "", "serve prometheus metrics on this address, overrides the config file")
	level := flag.String("v", "info", "log level (debug, info, warn, error)")
	listPorts := flag.Bool("list-ports", false, "list serial ports usable by the buspirate transport and exit")
	flag.Parse()

	lvl, err := log.ParseLevel(*level)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	if *listPorts {
		ports, err := serial.GetPortsList()
		if err != nil {
			log.Fatal(err)
		}
		for _, port := range ports {
			fmt.Println(port)
		}
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatal(err)
		}
	}
	if *metricsAddr != "" {
		cfg.Metrics.Listen = *metricsAddr
	}

	bus := spican.NewBus(func() (spi.Transport, error) { return spican.OpenTransport(cfg.Transport) }, cfg)
	if err := bus.Connect(); err != nil {
		bus.Disconnect()
		log.Fatal(err)
	}
	defer bus.Disconnect()

	if *send != "" {
		if err := sendFrame(bus, *send); err != nil {
			log.Fatal(err)
		}
		return
	}

	if cfg.Metrics.Listen != "" {
		srv := metrics.StartHTTP(cfg.Metrics.Listen)
		defer srv.Shutdown(context.Background())
	}

	if *bridgeTo != "" {
		other, err := can.NewBus(*bridgeType, *bridgeTo)
		if err != nil {
			log.Fatal(err)
		}
		if err := other.Connect(); err != nil {
			log.Fatal(err)
		}
		defer other.Disconnect()
		if err := bridge.NewBridge(bus, other).Start(); err != nil {
			log.Fatal(err)
		}
		log.Infof("bridging controller to %v (%v)", *bridgeTo, *bridgeType)
	} else {
		err = bus.Subscribe(canspi.FrameListenerFunc(func(frame canspi.Frame) {
			fmt.Printf("%v  %v  [%d]\n", time.Now().Format("15:04:05.000"), frame, frame.DLC)
		}))
		if err != nil {
			log.Fatal(err)
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	log.Infof("received %v, shutting down", s)
}

// Send a frame and wait for it to leave the transmit queue
func sendFrame(bus *spican.Bus, s string) error {
	frame, err := canspi.ParseFrame(s)
	if err != nil {
		return err
	}
	if err := bus.Send(frame); err != nil {
		return err
	}
	deadline := time.Now().Add(time.Second)
	for {
		pending, err := bus.Pending()
		if err != nil {
			return err
		}
		if pending == 0 {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("frame %v still queued after 1s", frame)
		}
		time.Sleep(10 * time.Millisecond)
	}
	log.Infof("sent %v", frame)
	return nil
}
