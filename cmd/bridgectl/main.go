package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"rig"
	"rig/Hardware"
)

// 直接向硬件服务器发命令，用于接线检查
func main() {
	configFile := flag.String("config", "rig.toml", "Rig configuration file")
	portName := flag.String("port", "", "Serial port (overrides config)")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	cfg, err := rig.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Config load failed: %v", err)
	}
	port := cfg.Devices.Serial.Port
	if *portName != "" {
		port = *portName
	}

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}

	fmt.Printf("Connecting to hardware server on %s...\n", port)
	bridge := Hardware.NewSerialBridge(port, cfg.Devices.Serial.Baud, logger)
	if err := bridge.Open(context.Background()); err != nil {
		log.Fatalf("Failed to open server: %v\n", err)
	}
	defer bridge.Close()
	fmt.Println("Connected. Commands: open <ch>, close <ch>, write <ch> <high> <low>, read <ch>, rate <ch> <0-1>, exit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		cmd := strings.ToLower(fields[0])
		if cmd == "exit" || cmd == "quit" {
			break
		}
		if err := run(bridge, cmd, fields[1:]); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
	fmt.Println("Bye.")
}

func run(b *Hardware.SerialBridge, cmd string, args []string) error {
	nums := make([]uint64, 0, len(args))
	for _, a := range args {
		if cmd == "rate" && len(nums) == 1 {
			break
		}
		// 掩码可以写成 0x 前缀的十六进制
		n, err := strconv.ParseUint(a, 0, 32)
		if err != nil {
			return fmt.Errorf("bad number %q", a)
		}
		nums = append(nums, n)
	}
	need := map[string]int{"open": 1, "close": 1, "read": 1, "write": 3, "rate": 1}
	n, ok := need[cmd]
	if !ok {
		return fmt.Errorf("unknown command %q", cmd)
	}
	if len(nums) < n {
		return fmt.Errorf("%s needs %d numeric arguments", cmd, n)
	}
	ch := byte(nums[0])

	switch cmd {
	case "open":
		return b.OpenChannel(ch)
	case "close":
		return b.CloseChannel(ch)
	case "write":
		return b.WritePort(ch, uint32(nums[1]), uint32(nums[2]))
	case "read":
		v, err := b.ReadPort(ch)
		if err != nil {
			return err
		}
		fmt.Printf("channel %d: 0x%08X\n", ch, v)
	case "rate":
		if len(args) < 2 {
			return fmt.Errorf("rate needs a value")
		}
		r, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("bad rate %q", args[1])
		}
		return b.SetRate(ch, r)
	}
	return nil
}
