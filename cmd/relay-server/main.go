package main

import (
	flag "github.com/spf13/pflag"

	"github.com/remote-desk-dev/remote-desk-go-relay/internal/config"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/database"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/event"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/logger"
	"github.com/remote-desk-dev/remote-desk-go-relay/internal/server"
)

func main() {
	host := flag.String("host", "", "listen address, overrides config file")
	port := flag.Int("port", 0, "listen port, overrides config file")
	memoryOnly := flag.Bool("memory-store", false, "run without MongoDB, credentials are lost on exit")
	flag.Parse()

	cfg, err := config.ReadConfig()
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	loggerCallback := logger.Init()
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)
	defer cleaner.Clean()

	var store database.Store
	if *memoryOnly {
		logger.Warn("Running with in-memory store, all data is lost on exit")
		store = database.NewMemoryStore()
	} else if err := database.ConnectDatabase(); err != nil {
		// 数据库不可用时降级为内存存储，中继功能不受影响
		logger.ErrorF("Error occured while initializing database, details: %v", err)
		logger.Warn("Falling back to in-memory store")
		store = database.NewMemoryStore()
	} else {
		// ConnectDatabase成功时已自行注册断开回调
		store = database.NewDatabaseStore()
	}

	srv := server.NewServer(store, cfg)
	if err := srv.Start(cfg.Server.Host, cfg.Server.Port); err != nil {
		logger.FatalF("Error occured while starting server, details: %v", err)
		return
	}
	cleaner.Add(server.NewShutdownCallback(srv))
	srv.Serve()
}
