package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.bug.st/serial"

	"github.com/helmworks/steadystick/internal/config"
	"github.com/helmworks/steadystick/internal/db"
	"github.com/helmworks/steadystick/internal/httputil"
	"github.com/helmworks/steadystick/internal/serialmux"
	"github.com/helmworks/steadystick/internal/stick"
	"github.com/helmworks/steadystick/internal/stick/monitor"
	"github.com/helmworks/steadystick/internal/stick/netsrc"
	storage "github.com/helmworks/steadystick/internal/stick/storage/sqlite"
	"github.com/helmworks/steadystick/internal/version"
)

var (
	listen      = flag.String("listen", ":8130", "HTTP listen address")
	udpPort     = flag.Int("udp-port", 9876, "UDP port to listen for controller samples (0 disables)")
	udpAddress  = flag.String("udp-addr", "", "UDP bind address (default: listen on all interfaces)")
	serialPort  = flag.String("serial-port", "", "Serial controller bridge device, e.g. /dev/ttyACM0 (empty disables)")
	serialBaud  = flag.Int("baud", 115200, "Serial baud rate")
	deviceID    = flag.String("device-id", "pad-0", "Device ID for serial lines and synthetic samples that carry none")
	dbFile      = flag.String("db", "steadystick.db", "Path to the SQLite profile database")
	configFile  = flag.String("config", "", "Tuning config JSON file (default: built-in defaults)")
	weightsFile = flag.String("weights", "", "Meta-trained neural weight blob (empty runs statistical-only)")
	replayFile  = flag.String("replay", "", "Replay a JSONL capture as a live source")
	replaySpeed = flag.Float64("replay-speed", 1.0, "Replay pacing multiplier (2 = twice as fast)")
	pcapFile    = flag.String("pcap", "", "Replay controller datagrams from a PCAP file (requires -tags=pcap build)")
	pcapPort    = flag.Int("pcap-port", 9876, "UDP port filter for PCAP replay")
	synthetic   = flag.Bool("synthetic", false, "Feed the pipeline from the built-in sample generator")
	synthNoise  = flag.Float64("synthetic-noise", 0.01, "Synthetic generator noise sigma")
	rcvBuf      = flag.Int("rcvbuf", 1<<20, "UDP receive buffer size in bytes (default 1MB)")
	logInterval = flag.Int("log-interval", 10, "Statistics logging interval in seconds")
	debugDiag   = flag.Bool("debug", false, "Log pipeline diagnostic output to stderr")
)

func main() {
	// Subcommand dispatch happens before flag parsing so 'stickd migrate
	// status' works without the daemon flag set.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		fs := flag.NewFlagSet("migrate", flag.ExitOnError)
		migrateDB := fs.String("db", "steadystick.db", "Path to the SQLite profile database")
		fs.Parse(os.Args[2:])
		db.RunMigrateCommand(fs.Args(), *migrateDB)
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		fs := flag.NewFlagSet("healthcheck", flag.ExitOnError)
		url := fs.String("url", "http://localhost:8130/health", "Health endpoint to poll")
		timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
		fs.Parse(os.Args[2:])
		client := httputil.NewStandardClient(&http.Client{Timeout: *timeout})
		hs, err := monitor.CheckHealth(client, *url)
		if err != nil {
			log.Fatalf("Health check failed: %v", err)
		}
		log.Printf("%s %s healthy", hs.Service, hs.Version)
		return
	}

	flag.Parse()

	if *listen == "" {
		log.Fatal("HTTP listen address is required")
	}

	log.Printf("stickd %s starting", version.String())

	// Pipeline debug streams: ops always on, diagnostics behind -debug.
	writers := stick.LogWriters{Ops: os.Stderr}
	if *debugDiag {
		writers.Diag = os.Stderr
	}
	stick.SetLogWriters(writers)

	// Load tuning. An explicit -config must parse; without one the
	// checked-in defaults are used when present, built-ins otherwise.
	var tuning *config.TuningConfig
	if *configFile != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load tuning config %s: %v", *configFile, err)
		}
		log.Printf("Loaded tuning config from %s", *configFile)
	} else if loaded, err := config.LoadTuningConfig(config.DefaultConfigPath); err == nil {
		tuning = loaded
		log.Printf("Loaded tuning defaults from %s", config.DefaultConfigPath)
	} else {
		tuning = config.EmptyTuningConfig()
		log.Printf("No tuning config found, using built-in defaults")
	}

	// Open the profile database and bring the schema current.
	database, err := db.Open(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open profile database: %v", err)
	}
	defer database.Close()
	if err := database.MigrateUp(); err != nil {
		log.Fatalf("Failed to apply database migrations: %v", err)
	}
	store := storage.NewProfileDB(database.DB)

	// Meta-trained weights are optional; a rejected blob downgrades the
	// whole daemon to statistical-only conditioning rather than failing.
	var meta *stick.NeuralWeights
	if *weightsFile != "" {
		blob, err := os.ReadFile(*weightsFile)
		if err != nil {
			log.Printf("Cannot read weights %s: %v (running statistical-only)", *weightsFile, err)
		} else if w, err := stick.DecodeWeights(blob); err != nil {
			log.Printf("Rejected weights %s: %v (running statistical-only)", *weightsFile, err)
		} else {
			meta = w
			log.Printf("Loaded neural weights from %s", *weightsFile)
		}
	} else {
		log.Println("No weights file given, neural compensation disabled (use -weights to enable)")
	}

	manager := stick.NewSessionManager(stick.ManagerConfig{
		Params: stick.ParamsFromTuning(tuning),
		Store:  store,
		Meta:   meta,
	})

	stats := monitor.NewFrameStats()
	hub := monitor.NewHub()
	tap := monitor.NewTap(manager, stats, hub)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Serial controller bridge, when configured.
	var smux *serialmux.SerialMux[serial.Port]
	if *serialPort != "" {
		smux, err = serialmux.NewRealSerialMux(*serialPort, serialmux.PortOptions{BaudRate: *serialBaud})
		if err != nil {
			log.Fatalf("Failed to open serial port %s: %v", *serialPort, err)
		}
		defer smux.Close()
		if err := smux.Initialize(); err != nil {
			log.Fatalf("Failed to initialize serial bridge: %v", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := smux.Monitor(ctx); err != nil && err != context.Canceled {
				log.Printf("Serial monitor error: %v", err)
			}
			log.Print("Serial monitor routine terminated")
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			src := netsrc.NewSerialSource(netsrc.SerialConfig{Mux: smux, DeviceID: *deviceID})
			if err := src.Run(ctx, tap); err != nil && err != context.Canceled {
				log.Printf("Serial source error: %v", err)
			}
			log.Print("Serial source routine terminated")
		}()
	}

	// UDP sample listener.
	var udpListenAddr string
	if *udpPort > 0 {
		if *udpAddress == "" {
			udpListenAddr = fmt.Sprintf(":%d", *udpPort)
		} else {
			udpListenAddr = fmt.Sprintf("%s:%d", *udpAddress, *udpPort)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			src := netsrc.NewUDPSource(netsrc.UDPConfig{
				Address:     udpListenAddr,
				RcvBuf:      *rcvBuf,
				LogInterval: time.Duration(*logInterval) * time.Second,
			})
			if err := src.Run(ctx, tap); err != nil && err != context.Canceled {
				log.Printf("UDP source error: %v", err)
			}
			log.Print("UDP source routine terminated")
		}()
	}

	// Capture replay source, for feeding recorded sessions back in.
	if *replayFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src := netsrc.NewReplaySource(netsrc.ReplayConfig{
				Path:  *replayFile,
				Pace:  true,
				Speed: *replaySpeed,
			})
			if err := src.Run(ctx, tap); err != nil && err != context.Canceled {
				log.Printf("Replay source error: %v", err)
			} else {
				log.Printf("Replay of %s complete", *replayFile)
			}
		}()
	}

	// PCAP replay source. Without the pcap build tag this reports how to
	// enable it and the daemon keeps running on its other sources.
	if *pcapFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := netsrc.ReadPCAPFile(ctx, *pcapFile, *pcapPort, tap); err != nil && err != context.Canceled {
				log.Printf("PCAP source error: %v", err)
			}
			log.Print("PCAP source routine terminated")
		}()
	}

	// Synthetic generator source.
	if *synthetic {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src := netsrc.NewSyntheticSource(netsrc.SyntheticConfig{
				Gen: netsrc.GenParams{
					DeviceID:   *deviceID,
					NoiseSigma: *synthNoise,
				},
			})
			if err := src.Run(ctx, tap); err != nil && err != context.Canceled {
				log.Printf("Synthetic source error: %v", err)
			}
			log.Print("Synthetic source routine terminated")
		}()
	}

	// Background learner: few-shot and continual training plus the
	// periodic profile flush. The final save runs on shutdown.
	worker := stick.NewAdaptationWorker(stick.AdaptationWorkerConfig{
		Manager:       manager,
		AdaptInterval: tuning.GetAdaptationInterval(),
		SaveInterval:  tuning.GetProfileSaveInterval(),
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := worker.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("Adaptation worker error: %v", err)
		}
		log.Print("Adaptation worker routine terminated")
	}()

	// Periodic throughput logging.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Duration(*logInterval) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats.LogStats()
			}
		}
	}()

	// Monitor HTTP server.
	webServer := monitor.NewWebServer(monitor.WebServerConfig{
		Address:       *listen,
		Manager:       manager,
		Stats:         stats,
		Hub:           hub,
		Store:         store,
		DB:            database,
		Tuning:        tuning,
		UDPAddr:       udpListenAddr,
		SerialPort:    *serialPort,
		NeuralEnabled: meta != nil,
	})
	if smux != nil {
		smux.AttachAdminRoutes(webServer.Mux())
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := webServer.Start(ctx); err != nil {
			log.Printf("Web server error: %v", err)
		}
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
