package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/desu777/stockstorm/internal/config"
	"github.com/desu777/stockstorm/internal/gateway"
	"github.com/desu777/stockstorm/internal/ledger"
	"github.com/desu777/stockstorm/internal/logger"
	"github.com/desu777/stockstorm/internal/models"
	"github.com/desu777/stockstorm/internal/notifier"
	"github.com/desu777/stockstorm/internal/persistence"
	"github.com/desu777/stockstorm/internal/reporter"
	"github.com/desu777/stockstorm/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	reportBot := flag.String("report", "", "print the trade report for a bot ID and exit")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Log)
	log := logger.S()
	defer log.Sync()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		log.Fatalw("open store", "err", err)
	}
	defer store.Close()

	trades := ledger.NewBadgerLedger(store.DB())

	if *reportBot != "" {
		list, err := trades.ListByBot(*reportBot)
		if err != nil {
			log.Fatalw("list trades", "bot", *reportBot, "err", err)
		}
		fmt.Println(reporter.TradeReport(*reportBot, list))
		return
	}

	var notify notifier.Notifier = notifier.Noop{}
	if cfg.Telegram.Enabled {
		tg, err := notifier.NewTelegram(os.Getenv("TELEGRAM_BOT_TOKEN"), cfg.Telegram.ChatID, log)
		if err != nil {
			log.Fatalw("telegram notifier", "err", err)
		}
		notify = tg
	}

	factory := gatewayFactory(cfg)

	sup := supervisor.New(store, trades, factory, notify, cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Infow("stockstorm grid worker starting",
		"gateway", cfg.Gateway, "poll_interval", cfg.PollInterval)

	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalw("supervisor stopped", "err", err)
	}
	log.Info("shutdown complete")
}

// gatewayFactory wires one gateway (and price stream, where the broker has
// one) per bot. Credentials come from the environment, keyed by the bot's
// credentials reference so separate accounts stay separate.
func gatewayFactory(cfg *config.Config) supervisor.GatewayFactory {
	switch cfg.Gateway {
	case "sim":
		return func(botCfg *models.BotConfig, cache *gateway.PriceCache) (gateway.Gateway, supervisor.StreamFunc) {
			return gateway.NewSimGateway(), nil
		}
	default:
		return func(botCfg *models.BotConfig, cache *gateway.PriceCache) (gateway.Gateway, supervisor.StreamFunc) {
			apiKey := os.Getenv(envOr(botCfg.CredentialsRef, "BINANCE_API_KEY"))
			secretKey := os.Getenv(envOr(botCfg.CredentialsRef, "BINANCE_SECRET_KEY"))
			gw := gateway.NewBinanceGateway(apiKey, secretKey, logger.S())

			streamer := gateway.NewStreamer(binanceStreamURL, botCfg.Symbol, cache, logger.S())
			return gw, streamer.Run
		}
	}
}

const binanceStreamURL = "wss://stream.binance.com:9443"

// envOr prefixes the variable name with the bot's credentials reference
// when one is set: ref "ACCT1" and name "BINANCE_API_KEY" reads
// "ACCT1_BINANCE_API_KEY".
func envOr(ref, name string) string {
	if ref == "" {
		return name
	}
	return ref + "_" + name
}
