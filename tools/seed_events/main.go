package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"decoy-sentinel/internal/config"
	"decoy-sentinel/internal/events"
)

// YCapture is one fixture entry. Missing capturedAt means "now".
type YCapture struct {
	SourceAddress string    `yaml:"sourceAddress"`
	Latitude      float64   `yaml:"latitude"`
	Longitude     float64   `yaml:"longitude"`
	City          string    `yaml:"city"`
	Country       string    `yaml:"country"`
	CapturedAt    time.Time `yaml:"capturedAt"`
}

type YDoc struct {
	Captures []YCapture `yaml:"captures"`
}

func main() {
	yamlPath := flag.String("f", "captures.yaml", "path to captures YAML")
	cfgPath := flag.String("config", "", "path to config.toml (default: data dir)")
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

	b, err := os.ReadFile(*yamlPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read fixture:", err)
		os.Exit(1)
	}
	var doc YDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		fmt.Fprintln(os.Stderr, "yaml parse error:", err)
		os.Exit(1)
	}

	p, err := events.OpenPersister(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		os.Exit(1)
	}
	log := events.NewLog(p, cfg.MaxRetained)
	defer log.Close()
	ctx := context.Background()
	if err := log.Restore(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "existing log unreadable, starting empty:", err)
	}

	for _, c := range doc.Captures {
		at := c.CapturedAt
		if at.IsZero() {
			at = time.Now()
		}
		evt := events.NewCaptureEvent(c.SourceAddress, events.Location{
			Latitude:  c.Latitude,
			Longitude: c.Longitude,
			City:      c.City,
			Country:   c.Country,
		}, at)
		if err := log.Append(ctx, evt); err != nil {
			fmt.Fprintf(os.Stderr, "failed to store %s: %v\n", c.SourceAddress, err)
		} else {
			fmt.Println("stored capture", c.SourceAddress)
		}
	}
	fmt.Printf("log now holds %d of %d\n", log.Len(), log.Cap())
}
