package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/msalopek/intent_settlement/chain"
	"github.com/msalopek/intent_settlement/internal/logging"
	"github.com/msalopek/intent_settlement/monitor"
	"github.com/msalopek/intent_settlement/settlement"
)

func main() {
	interval := flag.Int("interval", 1, "Polling interval in minutes")
	logLevel := flag.String("log-level", "INFO", "Set the logging level")
	logFormat := flag.String("log-format", "json", "Set the log output format")
	configPath := flag.String("config", "config.toml", "Path to the config file")
	dbPath := flag.String("db", "settlement.db", "Path to the db file")
	addr := flag.String("addr", ":8080", "Status API listen address")
	balancesAccount := flag.String("balances-account", "", "Solver address whose balances are recorded every interval")
	flag.Parse()

	logging.Setup(*logFormat, *logLevel)

	var account common.Address
	if *balancesAccount != "" {
		if !common.IsHexAddress(*balancesAccount) {
			log.Fatal().Str("balances_account", *balancesAccount).Msg("not an address")
		}
		account = common.HexToAddress(*balancesAccount)
	}

	cfg := monitor.MustLoadConfig(*configPath)

	db, err := sql.Open("sqlite3", *dbPath)
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	defer db.Close()

	m, err := monitor.NewMonitor(db, cfg, &log.Logger)
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clients := dialAll(ctx, cfg)
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()
	readers := statusReaders(cfg, clients)

	log.Logger.Debug().Strs("details", []string{
		"run id", m.RunID(),
		"chains", strconv.Itoa(len(clients)),
		"interval", strconv.Itoa(*interval)}).Msg("monitor started")

	var wg sync.WaitGroup
	runAll := func() {
		wg.Add(1)
		defer wg.Done()
		if err := m.RefreshStatuses(ctx, readers); err != nil {
			log.Error().Err(err).Msg("failed to refresh order statuses")
		}
		if account == (common.Address{}) {
			return
		}
		for name, client := range clients {
			client := client
			err := m.RecordBalances(ctx, name, account, client, func(token common.Address) monitor.TokenBalanceReader {
				return chain.NewERC20(token, client, nil)
			})
			if err != nil {
				log.Error().Err(err).Str("network", name).Msg("failed to record balances")
			}
		}
	}

	// there's no do while loop in go, so we just run once on startup
	log.Logger.Info().Msg("refreshing order statuses")
	runAll()
	log.Logger.Info().Int("interval_minutes", *interval).Msg("initial state fetched -- running cron")

	server := monitor.NewServer(m)
	go func() {
		if err := server.RunWithContext(ctx, *addr); err != nil {
			log.Error().Err(err).Msg("status api stopped")
			cancel()
		}
	}()

	ticker := time.NewTicker(time.Duration(*interval) * time.Minute)
	defer ticker.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			log.Logger.Debug().Msg("interval tick -- refreshing order statuses")
			runAll()
		case <-sigs:
			log.Info().Msg("shutdown signal received")
			cancel()
			log.Info().Msg("waiting for ongoing operations to complete...")
			wg.Wait()
			return
		case <-ctx.Done():
			log.Info().Msg("context cancelled")
			return
		}
	}
}

// dialAll connects to every chain with an endpoint. A chain that cannot be
// reached is logged and left out of this run.
func dialAll(ctx context.Context, cfg *monitor.Config) map[string]*chain.Client {
	names := make([]string, 0, len(cfg.Chains))
	for name := range cfg.Chains {
		names = append(names, name)
	}
	sort.Strings(names)

	clients := map[string]*chain.Client{}
	for _, name := range names {
		entry := cfg.Chains[name]
		if entry.RPC() == "" {
			log.Warn().Str("network", name).Msg("no rpc endpoint configured, skipping")
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		client, err := chain.Dial(dialCtx, name, entry.RPC(), entry.ID(), log.Logger)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("network", name).Msg("failed to connect")
			continue
		}
		clients[name] = client
	}
	return clients
}

// statusReaders maps origin chain ids to their input settler.
func statusReaders(cfg *monitor.Config, clients map[string]*chain.Client) map[string]settlement.StatusReader {
	readers := map[string]settlement.StatusReader{}
	for name, client := range clients {
		entry := cfg.Chains[name]
		if !common.IsHexAddress(entry.InputSettler) {
			continue
		}
		readers[strconv.FormatUint(entry.ChainID, 10)] = chain.NewInputSettler(common.HexToAddress(entry.InputSettler), client, nil)
	}
	return readers
}
