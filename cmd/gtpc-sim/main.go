package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gtpc-sim/internal/capture"
	"gtpc-sim/internal/config"
	"gtpc-sim/internal/display"
	"gtpc-sim/internal/network"
	"gtpc-sim/internal/scenario"
	"gtpc-sim/internal/sched"
	"gtpc-sim/internal/session"
	"gtpc-sim/internal/stats"
)

var (
	version  = "1.0.0"
	cfgFile  string
	headless bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gtpc-sim",
		Short: "GTP-C Traffic Simulator - load-test MME/SGW/PGW over S11/S5/S8",
		Long: `A GTP-C v2 control-plane traffic simulator. It drives many concurrent UE
sessions through a scripted call-flow scenario against a remote peer,
honoring the T3/N3 retransmission discipline, and shows live per-job
counters on a text dashboard.`,
		Version: version,
		RunE:    run,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "Configuration file path (default: config.yaml)")
	rootCmd.Flags().BoolVar(&headless, "headless", false, "Disable the dashboard and keyboard (logs only)")

	rootCmd.Flags().String("scenario", "", "Scenario file path")
	rootCmd.Flags().String("node-type", "", "Node type (mme|sgw|pgw)")
	rootCmd.Flags().String("local-ip", "", "Local GTP-C IP address")
	rootCmd.Flags().Int("local-port", 0, "Local GTP-C port")
	rootCmd.Flags().String("remote-ip", "", "Remote GTP-C IP address")
	rootCmd.Flags().Int("remote-port", 0, "Remote GTP-C port")
	rootCmd.Flags().Int("rate", -1, "Session creation rate per second")
	rootCmd.Flags().Uint64("max-sessions", 0, "Stop creating sessions after this many (0 = unlimited)")
	rootCmd.Flags().Int("t3", 0, "T3 retransmission timer in ms")
	rootCmd.Flags().Int("n3", -1, "N3 max retransmissions")
	rootCmd.Flags().String("log-level", "", "Log level (trace|debug|info|warn|error)")
	rootCmd.Flags().String("pcap", "", "Capture exchanged traffic to a pcap file")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	v := viper.New()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		log.Debug("No config file found, using defaults and CLI flags")
	}

	bindViperFlags(v, cmd)

	cfg, err := config.LoadWithViper(v)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	setupLogging(cfg)

	fmt.Printf("GTP-C Traffic Simulator v%s\n", version)
	fmt.Println("==============================")
	fmt.Print(cfg.Summary())
	fmt.Println()

	scn, err := scenario.Load(cfg.Scenario.File, cfg.Node.Type)
	if err != nil {
		return err
	}

	transport, err := network.NewTransport(cfg.Node.Address, cfg.Node.Port)
	if err != nil {
		return err
	}
	defer transport.Close()

	var pcapWriter *capture.Writer
	if cfg.Capture.File != "" {
		pcapWriter, err = capture.New(cfg.Capture.File)
		if err != nil {
			return err
		}
		defer pcapWriter.Close()
		transport.SetCapture(pcapWriter)
	}

	clock := sched.WallClock{}
	st := stats.NewCollector()

	teids := session.NewTEIDAllocator(cfg.Teid.Strategy, cfg.Teid.Start)
	imsis, err := session.NewIMSIAllocator(cfg.Load.ImsiBase)
	if err != nil {
		return err
	}

	remoteEp := &net.UDPAddr{IP: net.ParseIP(cfg.Remote.Address), Port: cfg.Remote.Port}
	reg := session.NewRegistry(session.Params{
		LocalIP:    net.ParseIP(cfg.Node.Address),
		NodeType:   cfg.Node.Type,
		RemoteEp:   remoteEp,
		T3Ms:       int64(cfg.Timing.T3TimerMs),
		N3:         cfg.Timing.N3Requests,
		DeadCallMs: int64(cfg.Timing.DeadCallWaitMs),
	}, clock, st, teids, imsis)

	// the wheel spans the T3 and dead-call timers; longer wakes (e.g. long
	// wait jobs) go to the overflow list
	width := int64(cfg.Timing.T3TimerMs)
	if int64(cfg.Timing.DeadCallWaitMs) > width {
		width = int64(cfg.Timing.DeadCallWaitMs)
	}
	mgr := sched.NewMgr(clock, width+int64(cfg.Timing.TickMs))
	scheduler := sched.New(mgr, clock, transport, int64(cfg.Timing.TickMs))

	dispatcher := session.NewDispatcher(reg, mgr, transport, scn)
	transport.SetHandler(dispatcher.Handle)

	var loadgen *session.LoadGenerator
	if scn.Originator() {
		loadgen = session.NewLoadGenerator(reg, mgr, transport, scn, cfg.Load.RatePerSec, cfg.Load.MaxSessions)
	} else {
		log.Info("Scenario starts with a receive job, acting as responder")
	}

	var kb *display.Keyboard
	var dash *display.Dashboard
	if !headless {
		kb, err = display.NewKeyboard()
		if err != nil {
			log.WithError(err).Warn("No interactive terminal, running headless")
		} else {
			defer kb.Restore()
			localEp := fmt.Sprintf("%s:%d", cfg.Node.Address, cfg.Node.Port)
			remoteStr := fmt.Sprintf("%s:%d", cfg.Remote.Address, cfg.Remote.Port)
			dash = display.New(os.Stdout, mgr, clock, st, scn,
				int64(cfg.Timing.DisplayRefreshMs), cfg.Node.Type, localEp, remoteStr)
			scheduler.OnTick(func() { handleKeys(kb, scheduler, loadgen, dash) })
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		if kb != nil {
			kb.Restore()
		}
		scheduler.Shutdown()
	}()

	err = scheduler.Run()
	if kb != nil {
		kb.Restore()
	}
	if err != nil {
		log.WithError(err).Error("Scheduler aborted")
	}

	st.Finish()
	fmt.Print(st.Summary(scn))
	if exportErr := st.ExportJSON(cfg.Stats.ExportFile, scn); exportErr != nil {
		log.WithError(exportErr).Warn("Failed to export statistics")
	}

	return err
}

// handleKeys drains pending keyboard events on the scheduler goroutine.
func handleKeys(kb *display.Keyboard, scheduler *sched.Scheduler, loadgen *session.LoadGenerator, dash *display.Dashboard) {
	for {
		select {
		case key := <-kb.Events():
			switch key {
			case '+', '-', '*', '/':
				if loadgen != nil {
					loadgen.AdjustRate(key)
				}
			case 'p':
				if loadgen != nil {
					loadgen.PauseTraffic()
				}
				if dash != nil {
					dash.SetTrafficPaused(true)
				}
			case 'c':
				if loadgen != nil {
					loadgen.ResumeTraffic()
				}
				if dash != nil {
					dash.SetTrafficPaused(false)
				}
			case 'q', 0x03: // q or Ctrl-C in raw mode
				scheduler.Shutdown()
			}
		default:
			return
		}
	}
}

func setupLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.WithError(err).Warn("Failed to open log file, using console only")
		} else {
			log.SetOutput(f)
		}
	}
}

func bindViperFlags(v *viper.Viper, cmd *cobra.Command) {
	if cmd.Flags().Changed("scenario") {
		val, _ := cmd.Flags().GetString("scenario")
		v.Set("scenario.file", val)
	}
	if cmd.Flags().Changed("node-type") {
		val, _ := cmd.Flags().GetString("node-type")
		v.Set("node.type", val)
	}
	if cmd.Flags().Changed("local-ip") {
		val, _ := cmd.Flags().GetString("local-ip")
		v.Set("node.address", val)
	}
	if cmd.Flags().Changed("local-port") {
		val, _ := cmd.Flags().GetInt("local-port")
		v.Set("node.port", val)
	}
	if cmd.Flags().Changed("remote-ip") {
		val, _ := cmd.Flags().GetString("remote-ip")
		v.Set("remote.address", val)
	}
	if cmd.Flags().Changed("remote-port") {
		val, _ := cmd.Flags().GetInt("remote-port")
		v.Set("remote.port", val)
	}
	if cmd.Flags().Changed("rate") {
		val, _ := cmd.Flags().GetInt("rate")
		v.Set("load.rate_per_sec", val)
	}
	if cmd.Flags().Changed("max-sessions") {
		val, _ := cmd.Flags().GetUint64("max-sessions")
		v.Set("load.max_sessions", val)
	}
	if cmd.Flags().Changed("t3") {
		val, _ := cmd.Flags().GetInt("t3")
		v.Set("timing.t3_timer_ms", val)
	}
	if cmd.Flags().Changed("n3") {
		val, _ := cmd.Flags().GetInt("n3")
		v.Set("timing.n3_requests", val)
	}
	if cmd.Flags().Changed("log-level") {
		val, _ := cmd.Flags().GetString("log-level")
		v.Set("logging.level", val)
	}
	if cmd.Flags().Changed("pcap") {
		val, _ := cmd.Flags().GetString("pcap")
		v.Set("capture.file", val)
	}
}
