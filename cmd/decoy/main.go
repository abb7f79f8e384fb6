package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	ks "github.com/kardianos/service"

	"decoy-sentinel/internal/config"
	"decoy-sentinel/internal/logging"
	decoyservice "decoy-sentinel/internal/service"
)

type program struct {
	cfg    *config.Config
	logger *logging.Logger
	svc    *decoyservice.Service
}

func (p *program) Start(s ks.Service) error {
	// Start must not block; the service serves in the background until Stop.
	p.svc = decoyservice.New(p.cfg, p.logger)
	return p.svc.Start()
}

func (p *program) Stop(s ks.Service) error {
	if p.svc == nil {
		return nil
	}
	p.svc.Stop()
	return p.svc.Wait()
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

func main() {
	install := flag.Bool("install", false, "install service")
	uninstall := flag.Bool("uninstall", false, "uninstall service")
	runNow := flag.Bool("run", false, "run in foreground")
	cfgPath := flag.String("config", "", "path to config.toml (default: data dir)")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Println("config load error:", err)
		os.Exit(1)
	}
	logger := logging.New(cfg)

	args := []string{}
	if *cfgPath != "" {
		args = append(args, "-config", *cfgPath)
	}
	svcConfig := &ks.Config{
		Name:        "DecoySentinel",
		DisplayName: "Decoy Sentinel",
		Description: "Decoy TCP listener that records and geolocates connection attempts",
		Arguments:   args,
	}

	prg := &program{cfg: cfg, logger: logger}
	s, err := ks.New(prg, svcConfig)
	if err != nil {
		logger.Error("service.New failed", "err", err)
		os.Exit(1)
	}

	if *install {
		err = s.Install()
		if err != nil {
			logger.Error("install failed", "err", err)
		} else {
			logger.Info("service installed")
		}
		return
	}
	if *uninstall {
		err = s.Uninstall()
		if err != nil {
			logger.Error("uninstall failed", "err", err)
		} else {
			logger.Info("service uninstalled")
		}
		return
	}
	if *runNow {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		svc := decoyservice.New(cfg, logger)
		go func() {
			<-ctx.Done()
			svc.Stop()
		}()
		if err := svc.Run(); err != nil {
			logger.Error("run error", "err", err)
			os.Exit(1)
		}
		return
	}

	err = s.Run()
	if err != nil {
		logger.Error("service run error", "err", err)
	}
}
