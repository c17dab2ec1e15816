package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/NodePath81/fbping/internal/app"
	"github.com/NodePath81/fbping/internal/config"
	"github.com/NodePath81/fbping/internal/util"
	"github.com/NodePath81/fbping/internal/version"
	"gopkg.in/yaml.v3"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runCmd := flag.NewFlagSet("run", flag.ExitOnError)
			configPath := runCmd.String("config", "config.yaml", "Path to config file")
			_ = runCmd.Parse(os.Args[2:])
			if *configPath == "config.yaml" && runCmd.NArg() > 0 {
				*configPath = runCmd.Arg(0)
			}
			runPinger(*configPath)
			return
		case "once":
			onceCmd := flag.NewFlagSet("once", flag.ExitOnError)
			configPath := onceCmd.String("config", "config.yaml", "Path to config file")
			qos := onceCmd.Int("qos", -1, "Traffic class for the round (default: configured values)")
			_ = onceCmd.Parse(os.Args[2:])
			if *configPath == "config.yaml" && onceCmd.NArg() > 0 {
				*configPath = onceCmd.Arg(0)
			}
			runOnce(*configPath, *qos)
			return
		case "check":
			checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
			configPath := checkCmd.String("config", "config.yaml", "Path to config file")
			_ = checkCmd.Parse(os.Args[2:])
			if *configPath == "config.yaml" && checkCmd.NArg() > 0 {
				*configPath = checkCmd.Arg(0)
			}
			checkConfig(*configPath)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(version.Version)
			return
		}
	}

	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()
	if *configPath == "config.yaml" && len(flag.Args()) > 0 {
		*configPath = flag.Arg(0)
	}
	runPinger(*configPath)
}

func runPinger(configPath string) {
	logger := util.NewLogger()
	if runtime.GOOS != "linux" {
		logger.Error("unsupported OS", "goos", runtime.GOOS)
		os.Exit(1)
	}
	supervisor := app.NewSupervisor(configPath, logger)
	if err := supervisor.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown requested")
	supervisor.Stop()
}

func runOnce(configPath string, qos int) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	if qos > 255 {
		fmt.Fprintf(os.Stderr, "qos must be in 0..255\n")
		os.Exit(2)
	}
	var classes []uint8
	if qos >= 0 {
		classes = []uint8{uint8(qos)}
	}

	// stdout carries the JSON results.
	logger := util.NewWriterLogger(os.Stderr, cfg.Logging.Level)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	results, err := app.RunOnce(ctx, cfg, logger, classes)
	if err != nil {
		logger.Error("round failed", "error", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		fmt.Fprintf(os.Stderr, "encode results: %v\n", err)
		os.Exit(1)
	}
}

func checkConfig(path string) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config valid: %d static targets, %d controllers\n", len(cfg.Topology.Targets), len(cfg.Topology.Controllers))
	cfg.Control.AuthToken = redact(cfg.Control.AuthToken)
	for i := range cfg.Topology.Controllers {
		cfg.Topology.Controllers[i].Token = redact(cfg.Topology.Controllers[i].Token)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode config: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(out))
	os.Exit(0)
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "<redacted>"
}

func printHelp() {
	fmt.Print(`fbping - distributed UDP/IPv6 pinger

Usage:
  fbping run --config <path>               Start the pinger
  fbping once --config <path> [--qos <n>]  Run one round and print JSON results
  fbping check --config <path>             Validate config and print the effective values
  fbping help                              Show this help
  fbping version                           Print version

Legacy:
  fbping --config <path>
  fbping <config-path>
`)
}
