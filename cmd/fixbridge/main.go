package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/fixbridge/internal/acquire"
	"github.com/shaunagostinho/fixbridge/internal/broadcast"
	"github.com/shaunagostinho/fixbridge/internal/clock"
	"github.com/shaunagostinho/fixbridge/internal/config"
	"github.com/shaunagostinho/fixbridge/internal/demo"
	"github.com/shaunagostinho/fixbridge/internal/extract"
	"github.com/shaunagostinho/fixbridge/internal/server"
	"github.com/shaunagostinho/fixbridge/internal/sink"
	"github.com/shaunagostinho/fixbridge/internal/state"
	"github.com/shaunagostinho/fixbridge/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	demoMode := flag.Bool("demo", false, "Serve a simulated source page and poll it")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. 0.0.0.0:5000)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] fixbridge starting")

	cfg := config.Load(*configPath)
	if *listenAddr != "" {
		if err := applyListen(cfg, *listenAddr); err != nil {
			log.Fatalf("[main] bad -listen %q: %v", *listenAddr, err)
		}
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)

	if *demoMode {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			log.Fatalf("[main] demo listener: %v", err)
		}
		cfg.TargetURL = "http://" + ln.Addr().String() + "/"
		src := demo.NewSource(cfg.GPSLeapSeconds)
		g.Go(func() error { return src.Serve(ctx, ln) })
	}

	store := config.NewStore(cfg, *configPath)
	log.Printf("[main] %s", cfg)

	st := state.New(state.Snapshot{
		Note:            state.InitialNote,
		SourceURL:       cfg.TargetURL,
		RuntimeFilePath: cfg.RuntimeFilePath,
	})
	bc := broadcast.New(acquire.ReplayFrom(st), broadcast.DefaultBacklog)

	sinks := buildSinks(store, cfg)
	defer sinks.Close()

	reconciler := clock.New(store, nil)
	loop := acquire.New(store, extract.New(&http.Client{}), reconciler, st, bc, sinks)
	srv := server.New(store, st, bc, web.FS)

	g.Go(func() error { reconciler.Run(ctx); return nil })
	g.Go(func() error { loop.Run(ctx); return nil })
	g.Go(func() error {
		err := srv.Run(ctx)
		if err != nil {
			log.Printf("[main] server exited: %v", err)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.Printf("[main] stopped: %v", err)
		os.Exit(1)
	}
}

// buildSinks always includes the runtime file sink; it checks its own toggle
// on every write. Network and serial sinks are opt-in.
func buildSinks(store *config.Store, cfg *config.Config) sink.Multi {
	sinks := sink.Multi{{Name: "file", Sink: sink.NewFile(store)}}
	if cfg.MQTT.Enabled {
		log.Printf("[main] mqtt sink -> %s topic %s", cfg.MQTT.Broker, cfg.MQTT.Topic)
		sinks = append(sinks, sink.Named{Name: "mqtt", Sink: sink.NewMQTT(cfg.MQTT)})
	}
	if cfg.Redis.Enabled {
		log.Printf("[main] redis sink -> %s key %s", cfg.Redis.Addr, cfg.Redis.Key)
		sinks = append(sinks, sink.Named{Name: "redis", Sink: sink.NewRedis(cfg.Redis)})
	}
	if cfg.Serial.Enabled {
		log.Printf("[main] nmea serial sink -> %s @ %d", cfg.Serial.PortPath, cfg.Serial.BaudRate)
		sinks = append(sinks, sink.Named{Name: "serial", Sink: sink.NewSerial(cfg.Serial)})
	}
	return sinks
}

func applyListen(cfg *config.Config, addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return err
	}
	if host != "" {
		cfg.BindHost = host
	}
	cfg.BindPort = n
	return nil
}
