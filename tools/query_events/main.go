package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"decoy-sentinel/internal/config"
	"decoy-sentinel/internal/events"
)

func main() {
	cfgPath := flag.String("config", "", "path to config.toml (default: data dir)")
	last := flag.Int("n", 20, "print only the newest n captures (0 = all)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *cfgPath != "" {
		cfg, err = config.LoadFrom(*cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	p, err := events.OpenPersister(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		os.Exit(1)
	}
	defer p.Close()

	out, err := p.Load(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "load error:", err)
		os.Exit(1)
	}
	if out == nil {
		out = []events.CaptureEvent{}
	}
	if *last > 0 && len(out) > *last {
		out = out[len(out)-*last:]
	}
	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}
