package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oarkflow/policy"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		handleValidate()
	case "convert":
		handleConvert()
	case "stats":
		handleStats()
	case "check":
		handleCheck()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("policy-config - Configuration tool for policy")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  policy-config validate <file>             - Validate configuration")
	fmt.Println("  policy-config convert <input> <output>    - Convert between yaml and json")
	fmt.Println("  policy-config stats <file>                - Show configuration statistics")
	fmt.Println("  policy-config check <file> <user> <type> <id> <action>")
	fmt.Println("                                            - Run a permission check against the config")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: policy-config validate <file>")
		os.Exit(1)
	}
	cfg := mustLoad(os.Args[2])
	engine := mustEngine(cfg)
	defer engine.Close()
	fmt.Printf("%s is valid\n", os.Args[2])
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: policy-config convert <input> <output>")
		os.Exit(1)
	}
	cfg := mustLoad(os.Args[2])
	out := os.Args[3]
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(out)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	default:
		fmt.Printf("Unsupported output format: %s\n", out)
		os.Exit(1)
	}
	if err != nil {
		fmt.Printf("Error encoding config: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		fmt.Printf("Error writing config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Converted %s -> %s\n", os.Args[2], out)
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: policy-config stats <file>")
		os.Exit(1)
	}
	cfg := mustLoad(os.Args[2])
	conditions := 0
	for _, r := range cfg.Rules {
		conditions += len(r.Conditions)
	}
	nodes := 0
	for _, t := range cfg.Trees {
		nodes += len(t.Nodes)
	}
	fmt.Printf("Rules:       %d (%d conditions)\n", len(cfg.Rules), conditions)
	fmt.Printf("Trees:       %d (%d nodes)\n", len(cfg.Trees), nodes)
	fmt.Printf("Roles:       %d\n", len(cfg.Roles))
	fmt.Printf("Assignments: %d\n", len(cfg.Assignments))
	if cfg.Strategy != "" {
		fmt.Printf("Strategy:    %s\n", cfg.Strategy)
	}
}

func handleCheck() {
	if len(os.Args) < 7 {
		fmt.Println("Usage: policy-config check <file> <user> <type> <id> <action>")
		os.Exit(1)
	}
	cfg := mustLoad(os.Args[2])
	engine := mustEngine(cfg)
	defer engine.Close()
	allowed := engine.CheckPermission(context.Background(), os.Args[3], policy.CheckRequest{
		ResourceType: os.Args[4],
		ResourceID:   os.Args[5],
		Action:       policy.Action(os.Args[6]),
	})
	fmt.Printf("user=%s %s:%s action=%s allowed=%v\n", os.Args[3], os.Args[4], os.Args[5], os.Args[6], allowed)
	if !allowed {
		os.Exit(2)
	}
}

func mustLoad(path string) *policy.Config {
	cfg, err := policy.LoadConfigFile(path)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func mustEngine(cfg *policy.Config) *policy.Engine {
	engine, err := policy.New()
	if err != nil {
		fmt.Printf("Error building engine: %v\n", err)
		os.Exit(1)
	}
	if err := policy.ApplyConfig(context.Background(), engine, cfg); err != nil {
		engine.Close()
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	return engine
}
