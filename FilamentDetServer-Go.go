package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"

	adhoc "FilamentDetServer/Adhoc"
	"FilamentDetServer/config"
	backend "FilamentDetServer/gRPC"
	"FilamentDetServer/logger"
	"FilamentDetServer/monitor"
	"FilamentDetServer/web"

	"github.com/akamensky/argparse"
	"go.uber.org/zap"
)

func main() {
	parser := argparse.NewParser("FilamentDetServer", "Filament instance segmentation server")
	configPath := parser.String("c", "config", &argparse.Options{Help: "Config file path", Default: config.DefaultPath})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Failed to load config file:", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Development); err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Log()

	fmt.Println(strings.Repeat("#", 64))
	CPUNum := runtime.NumCPU()
	runtime.GOMAXPROCS(CPUNum)
	fmt.Printf("CPU Cores: %d\n", CPUNum)
	fmt.Println("  gRPC  Port:", cfg.RPCPort)
	fmt.Println("  HTTP  Port:", cfg.HTTPPort)
	fmt.Println("Monitor Port:", cfg.MonitorPort)
	fmt.Println("Workers Num:", cfg.WorkersNum, " Batch Size:", cfg.BatchSize)
	fmt.Println(strings.Repeat("#", 64))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p, b, err := cfg.Open(ctx, cfg.Runtime())
	if err != nil {
		log.Error("failed to open model", zap.String("location", cfg.Model.Location), zap.Error(err))
		return
	}
	defer p.Close()

	var wg sync.WaitGroup
	go monitor.StartMon(cfg.MonitorPort, ctx)

	//gRPC server setup
	lis, err := backend.Listen(cfg.RPCPort)
	if err != nil {
		log.Error("gRPC listen", zap.Error(err))
		return
	}
	rpc := backend.NewServer(p, b.Name, cfg.WorkersNum)
	rpc.StartWorker(cfg.WorkersNum)
	server := backend.StartGRPCServer(lis, rpc)

	httpSrv := web.NewServer(p, web.Options{
		Model:         b.Name,
		DatasetKey:    cfg.Dataset.Key,
		LineThickness: cfg.Dataset.LineThickness,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.Serve(ctx, fmt.Sprintf(":%d", cfg.HTTPPort)); err != nil {
			log.Error("HTTP server", zap.Error(err))
			cancel()
		}
	}()

	//Adhoc server setup
	if cfg.Registration.Enabled {
		ip, err := adhoc.GetOutboundIP()
		if err != nil {
			log.Warn("Failed to get outbound IP", zap.Error(err))
		}
		reg := adhoc.NewRegistrar(cfg.Registration.Host, cfg.Registration.Port, cfg.RegistrationInterval(), adhoc.Instance{
			IP:       ip,
			RPCPort:  cfg.RPCPort,
			HTTPPort: cfg.HTTPPort,
			Model:    b.Name,
		})
		wg.Add(1)
		go reg.SendAliveMessage(ctx, &wg)
	} else {
		log.Info("registration disabled, skipping registry heartbeat")
	}

	select {
	case <-rpc.CloseChannel:
		log.Info("shutdown requested over gRPC")
	case <-ctx.Done():
		log.Info("shutting down")
	}
	cancel()
	server.GracefulStop()
	close(rpc.JobQueue)
	fmt.Println("Done")
	wg.Wait()
	fmt.Println("Safely exited")
}
