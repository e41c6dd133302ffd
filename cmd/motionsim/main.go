// Command motionsim is an interactive host harness for the motion core: it
// wires StepTimer, three Motors, Trapezoid and Dispatcher together, drives
// the step timer at its configured frequency, and accepts commands from
// stdin to begin blocks, pause/resume, halt and inspect state. Grounded on
// the teacher's host/cmd/gopper-host/main.go (flag-parsed device/baud/
// verbose options plus a bufio.Scanner command loop), generalized from a
// single MCU-dictionary REPL to a motion-core control REPL.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/PetteriAimonen/Jerkware/block"
	"github.com/PetteriAimonen/Jerkware/conveyor"
	"github.com/PetteriAimonen/Jerkware/dispatcher"
	"github.com/PetteriAimonen/Jerkware/eventbus"
	"github.com/PetteriAimonen/Jerkware/mconfig"
	"github.com/PetteriAimonen/Jerkware/mlog"
	"github.com/PetteriAimonen/Jerkware/motor"
	"github.com/PetteriAimonen/Jerkware/pin"
	"github.com/PetteriAimonen/Jerkware/steptimer"
	"github.com/PetteriAimonen/Jerkware/telemetry"
	"github.com/PetteriAimonen/Jerkware/trapezoid"
)

var (
	configPath    = flag.String("config", "", "Path to a JSON machine config; defaults to a built-in 3-axis config")
	device        = flag.String("device", "", "Serial device to mirror step/dir/enable pins to (hardware-in-the-loop); empty runs a pure in-memory simulation")
	baud          = flag.Int("baud", 250000, "Baud rate for -device")
	telemetryAddr = flag.String("telemetry", "", "If set, serve a WebSocket telemetry stream on this address, e.g. :8080")
	verbose       = flag.Bool("verbose", false, "Enable debug-level logging")
)

var axisNames = [block.NumAxes]string{"alpha", "beta", "gamma"}

func main() {
	flag.Parse()

	level := zapcore.InfoLevel
	if *verbose {
		level = zapcore.DebugLevel
	}
	log := mlog.New(mlog.Options{Level: level, SupportColor: true})
	defer log.Sync()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "motionsim: config error: %v\n", err)
		os.Exit(1)
	}

	var serialPort *serial.Port
	if *device != "" {
		serialPort, err = serial.OpenPort(&serial.Config{Name: *device, Baud: *baud, ReadTimeout: 100 * time.Millisecond})
		if err != nil {
			fmt.Fprintf(os.Stderr, "motionsim: failed to open %s: %v\n", *device, err)
			os.Exit(1)
		}
		defer serialPort.Close()
		log.Info("opened hardware-in-the-loop serial link", zap.String("device", *device), zap.Int("baud", *baud))
	}

	bus := eventbus.NewLocalBus()
	bus.Subscribe(trapezoid.TopicSpeedChange, func(payload interface{}) {
		if ev, ok := payload.(trapezoid.SpeedChangeEvent); ok {
			log.Debug("speed change", zap.Uint32("main_rate", ev.MainRate), zap.Uint32("main_pos", ev.MainPos), zap.Bool("flushing", ev.Flushing))
		}
	})
	bus.Subscribe(dispatcher.TopicBlockFinished, func(payload interface{}) {
		log.Info("block finished")
	})

	if *telemetryAddr != "" {
		bridge := telemetry.New(bus, log)
		mux := http.NewServeMux()
		mux.HandleFunc("/telemetry", bridge.HandleWebSocket)
		go func() {
			if err := http.ListenAndServe(*telemetryAddr, mux); err != nil {
				log.Warn("telemetry server stopped", zap.Error(err))
			}
		}()
		log.Info("telemetry websocket listening", zap.String("addr", *telemetryAddr))
	}

	timer := steptimer.New(cfg.StepFrequencyHz, cfg.AccelDivisor, log)

	var motors [block.NumAxes]*motor.Motor
	for i, name := range axisNames {
		axisCfg, ok := cfg.Axes[name]
		if !ok {
			fmt.Fprintf(os.Stderr, "motionsim: config missing axis %q\n", name)
			os.Exit(1)
		}
		motors[i] = buildMotor(name, byte(i), axisCfg, serialPort, log)
		timer.RegisterMotor(motors[i])
	}

	conv := conveyor.New()
	tz := trapezoid.New(cfg.StepFrequencyHz/cfg.AccelDivisor, bus, conv, log)
	timer.RegisterAccelerationHandler(tz)

	disp := dispatcher.New(dispatcher.Context{
		Timer:     timer,
		Conveyor:  conv,
		Trapezoid: tz,
		Bus:       bus,
		Motors:    motors,
		Log:       log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Run(ctx)
	go pollLoop(ctx, disp)

	fmt.Println("motionsim - motion core interactive harness")
	fmt.Println("type 'help' for available commands, 'quit' to exit")
	runREPL(disp, motors, log)
}

func loadConfig() (*mconfig.Config, error) {
	if *configPath == "" {
		return mconfig.DefaultCartesianConfig(), nil
	}
	data, err := os.ReadFile(*configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", *configPath, err)
	}
	var raw json.RawMessage = data
	return mconfig.Load(raw)
}

func buildMotor(name string, id byte, cfg mconfig.AxisConfig, serialPort *serial.Port, log *zap.Logger) *motor.Motor {
	var stepPin, dirPin, enablePin pin.Pin
	if serialPort != nil {
		stepPin = pin.NewSerial(id*3+0, serialPort)
		dirPin = pin.NewSerial(id*3+1, serialPort)
		enablePin = pin.NewSerial(id*3+2, serialPort)
	} else {
		stepPin = pin.NewSim(name + ".step")
		dirPin = pin.NewSim(name + ".dir")
		enablePin = pin.NewSim(name + ".enable")
	}
	m := motor.New(name, stepPin, dirPin, enablePin, cfg.MinimumRate, log)
	m.ChangeStepsPerMM(cfg.StepsPerMM)
	return m
}

func pollLoop(ctx context.Context, disp *dispatcher.Dispatcher) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			disp.Poll()
		}
	}
}

func runREPL(disp *dispatcher.Dispatcher, motors [block.NumAxes]*motor.Motor, log *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "quit", "exit", "q":
			fmt.Println("bye")
			return
		case "help", "?":
			printHelp()
		case "status":
			printStatus(disp, motors)
		case "move":
			handleMove(disp, fields)
		case "pause":
			disp.OnPause()
		case "play":
			disp.OnPlay()
		case "halt":
			disp.OnHalt(true)
		case "unhalt":
			disp.OnHalt(false)
		default:
			fmt.Printf("unknown command: %s (type 'help')\n", fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "motionsim: input error: %v\n", err)
	}
}

func printHelp() {
	fmt.Println(`
Available commands:
  move <alpha|beta|gamma> <steps> <rate>
                            constant-rate move on that axis only
  status                    print each axis's rate/stepped/position
  pause / play              pause or resume all axes
  halt / unhalt             disable / re-enable all axes
  quit                      exit
`)
}

func handleMove(disp *dispatcher.Dispatcher, fields []string) {
	if len(fields) < 4 {
		fmt.Println("usage: move <axis> <steps> <rate>")
		return
	}
	axis, ok := axisIndex(fields[1])
	if !ok {
		fmt.Printf("unknown axis %q\n", fields[1])
		return
	}
	steps, err1 := strconv.ParseUint(fields[2], 10, 32)
	rate, err2 := strconv.ParseUint(fields[3], 10, 32)
	if err1 != nil || err2 != nil {
		fmt.Println("steps and rate must be non-negative integers")
		return
	}

	var stepsArr [block.NumAxes]uint32
	var dirArr [block.NumAxes]bool
	stepsArr[axis] = uint32(steps)

	b := block.New(stepsArr, dirArr, uint32(rate), uint32(rate), uint32(rate), uint32(rate), 1, 0, uint32(steps), 1.0)
	if err := disp.Begin(b); err != nil {
		fmt.Printf("move rejected: %v\n", err)
	}
}

func axisIndex(name string) (int, bool) {
	for i, n := range axisNames {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

func printStatus(disp *dispatcher.Dispatcher, motors [block.NumAxes]*motor.Motor) {
	for i, m := range motors {
		fmt.Printf("%-6s rate=%-7d stepped=%-7d target=%-7d pos_mm=%.3f moving=%v finished=%v\n",
			axisNames[i], m.GetRate(), m.GetStepped(), m.GetStepsToMove(), m.GetCurrentPosition(), m.IsMoving(), m.IsMoveFinished())
	}
	if b := disp.CurrentBlock(); b != nil {
		fmt.Printf("current block: main=%s steps_event_count=%d\n", disp.MainAxis(), b.StepsEventCount)
	} else {
		fmt.Println("no block in flight")
	}
}
