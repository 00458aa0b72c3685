package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rig"
	"rig/Audio"
	"rig/Experiment"
	"rig/Hardware"
	"rig/Loop"
)

func main() {
	// 1. 解析命令行参数
	configFile := flag.String("config", "rig.toml", "Rig configuration file")
	experimentsFile := flag.String("experiments", "", "Experiment configuration file (overrides experiments_file)")
	animal := flag.String("animal", "", "Animal to start immediately")
	experiment := flag.String("experiment", "default", "Experiment name under [experiments.<name>]")
	simulate := flag.Bool("simulate", false, "Use simulated devices")
	resume := flag.String("resume", "", "Recovery file to resume from")
	flag.Parse()

	cfg, err := rig.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Config load failed: %v", err)
	}
	if *simulate {
		cfg.Devices.Simulate = true
	}
	if *experimentsFile != "" {
		cfg.ExperimentsFile = *experimentsFile
	}

	logger := newLogger(cfg.Log.Development)
	defer logger.Sync()

	experiments, err := Experiment.LoadConfigs(cfg.ExperimentsFile)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Printf("[CONFIG] %s not found, using built-in default experiment\n", cfg.ExperimentsFile)
		experiments, err = map[string]*Experiment.ExperimentConfig{"default": Experiment.DefaultConfig()}, nil
	}
	if err != nil {
		log.Fatalf("Experiment config load failed: %v", err)
	}

	// 2. 初始化设备和事件循环
	loop := Loop.New(256)
	var hw *Hardware.Session
	var sim *Hardware.SimRig
	if cfg.Devices.Simulate {
		hw, sim = Hardware.NewSimSession(cfg.ValveLines(), loop.Post, logger)
		fmt.Println("Mode: SIMULATE")
	} else {
		hw = Hardware.NewSerialSession(cfg.SerialConfig(), cfg.ValveLines(), loop.Post, logger)
		fmt.Printf("Mode: HARDWARE (%s, %d baud)\n", cfg.Devices.Serial.Port, cfg.Devices.Serial.Baud)
	}

	deps := rig.SystemDeps{Scheduler: loop, Hardware: hw, Logger: logger}
	var player *Audio.Player
	if cfg.Audio.Enabled {
		player, err = newPlayer(cfg, logger)
		if err != nil {
			logger.Warn("sound cues disabled", zap.Error(err))
		} else {
			deps.Cues = player
		}
	}

	system := rig.NewRigSystem(cfg, experiments, deps)
	system.OnTrial = printTrial
	system.OnStateChange = func(s rig.AppState) {
		fmt.Printf("\n[STATE] %s\n", s)
		if s == rig.StateException {
			fmt.Printf("[ERROR] %s\n", system.ExceptionValue())
			if system.RecoveryFile != "" {
				fmt.Printf("[ERROR] resume with: -resume %s\n", system.RecoveryFile)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	// 3. 启动系统
	loop.Post(func() {
		system.Init(ctx)
		switch {
		case *resume != "":
			st, err := rig.LoadRecovery(*resume)
			if err != nil {
				fmt.Printf("[ERROR] %v\n", err)
				return
			}
			report(system.ResumeAnimal(st))
		case *animal != "":
			report(system.StartAnimal(*animal, *experiment))
		}
	})

	// 4. 主循环 (处理信号和控制台输入)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Println("System Ready. Commands: start <animal> [experiment], pause, resume, stop, stats, beam <line> <0|1>, exit")
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) == 0 {
				continue
			}
			cmd := strings.ToLower(fields[0])
			if cmd == "exit" || cmd == "quit" {
				sigChan <- os.Interrupt
				return
			}
			loop.Post(func() { handleCommand(system, sim, cmd, fields[1:], *experiment) })
		}
	}()

	<-sigChan
	fmt.Println("\nShutting down...")

	done := make(chan error, 1)
	loop.Post(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		done <- system.Shutdown(sctx)
	})
	select {
	case err := <-done:
		if err != nil {
			logger.Warn("shutdown finished with errors", zap.Error(err))
		}
	case <-time.After(10 * time.Second):
		logger.Error("shutdown timed out")
	}
	loop.Stop()
	if player != nil {
		player.Close()
	}
}

func newLogger(development bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Logger init failed: %v", err)
	}
	return logger
}

func newPlayer(cfg *rig.RigConfig, logger *zap.Logger) (*Audio.Player, error) {
	analyzer := Audio.NewSpectrumAnalyzer(float64(cfg.Audio.SampleRate), 4096)
	cues, err := Audio.LoadCues(cfg.CueFiles(), cfg.CueTones(500*time.Millisecond), analyzer, logger)
	if err != nil {
		return nil, err
	}
	return Audio.NewPlayer(cfg.Audio.SampleRate, cfg.Audio.DeviceName, cues, logger)
}

func handleCommand(system *rig.RigSystem, sim *Hardware.SimRig, cmd string, args []string, defaultExperiment string) {
	switch cmd {
	case "start":
		if len(args) == 0 {
			fmt.Println("usage: start <animal> [experiment]")
			return
		}
		exp := defaultExperiment
		if len(args) > 1 {
			exp = args[1]
		}
		report(system.StartAnimal(args[0], exp))
	case "pause":
		system.Pause()
	case "resume":
		system.Resume()
	case "stop":
		system.StopAnimal()
	case "stats":
		printStatus(os.Stdout, system.Status())
	case "beam":
		// 模拟模式下手动触发光电门
		if sim == nil {
			fmt.Println("beam requires -simulate")
			break
		}
		if len(args) != 2 {
			fmt.Println("usage: beam <nose_beam|reward_beam_l|reward_beam_r> <0|1>")
			break
		}
		sim.Inputs.Set(args[0], args[1] == "1")
	default:
		fmt.Printf("unknown command %q\n", cmd)
	}
	fmt.Print("> ")
}

func report(err error) {
	if err != nil {
		fmt.Printf("[ERROR] %v\n", err)
	}
}

func printTrial(t *Experiment.Trial, st Experiment.Stats) {
	fmt.Printf("\n[TRIAL] block %d trial %d odor %s side %s went %s -> %s | pass %d fail %d inc %d | success %.0f%%\n",
		t.Block, t.Number, t.Odor, t.Side, t.SideWent, t.Outcome, st.Pass, st.Fail, st.Incomplete, st.Success)
}

func printStatus(w io.Writer, st rig.Status) {
	fmt.Fprintf(w, "[STATS] state %s, hardware %s, session %s\n", st.State, st.Hardware, st.Session)
	if st.Exception != "" {
		fmt.Fprintf(w, "[STATS] last error: %s\n", st.Exception)
	}
	if st.Animal != "" {
		fmt.Fprintf(w, "[STATS] %s at block %d trial %d: pass %d fail %d incomplete %d, success %.0f%%\n",
			st.Animal, st.Block, st.Trial, st.Stats.Pass, st.Stats.Fail, st.Stats.Incomplete, st.Stats.Success)
	}
}
