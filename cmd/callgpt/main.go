// Command callgpt answers phone calls as an airpods store assistant.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ryanm/call-gpt/pkg/agent"
	"github.com/ryanm/call-gpt/pkg/logging"
	"github.com/ryanm/call-gpt/pkg/tools"
	"github.com/ryanm/call-gpt/pkg/transports"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	dialTo := flag.String("dial_to", "", "destination number for an outbound call")
	dialFrom := flag.String("dial_from", "", "caller ID for an outbound call")
	flag.Parse()

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config_load_failed", "path", *configPath, "error", err)
		os.Exit(1)
	}
	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	transport, err := agent.BuildTransport(cfg)
	if err != nil {
		logger.Error("transport_init_failed", "error", err)
		os.Exit(1)
	}
	transferer, _ := transport.(transports.CallTransferer)
	catalog := NewStoreCatalog(tools.Options{
		Timeout:      cfg.Tools.Timeout(),
		Retries:      cfg.Tools.Retries,
		RetryBackoff: cfg.Tools.RetryBackoff(),
	}, transferer, cfg.Tools.TransferNumber)

	engine, err := agent.NewEngine(agent.EngineOptions{
		Config:    cfg,
		Transport: transport,
		Tools:     catalog,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("engine_init_failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		logger.Error("engine_start_failed", "error", err)
		os.Exit(1)
	}

	if *dialTo != "" && *dialFrom != "" {
		if dialer, ok := transport.(transports.OutboundDialer); ok {
			callSID, err := dialer.Dial(ctx, *dialTo, *dialFrom, "")
			if err != nil {
				logger.Error("outbound_dial_failed", "error", err)
			} else {
				logger.Info("outbound_dial_started", "call_sid", callSID)
			}
		} else {
			logger.Warn("transport_no_outbound_dialer", "transport", transport.Name())
		}
	}

	<-ctx.Done()
	if err := engine.Stop(); err != nil {
		logger.Warn("engine_stop", "error", err)
	}
}
