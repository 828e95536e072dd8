package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/msalopek/intent_settlement/chain"
	"github.com/msalopek/intent_settlement/monitor"
	"github.com/msalopek/intent_settlement/settlement"
)

// env is everything one command invocation works with. The signer is only
// loaded for commands that send transactions and is wiped by Close.
type env struct {
	cfg     *monitor.Config
	db      *sql.DB
	monitor *monitor.Monitor

	route  settlement.Route
	origin *chain.Client
	dest   *chain.Client
	signer *chain.Signer
}

func setupMonitor() (*sql.DB, *monitor.Monitor, error) {
	cfg, err := monitor.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, nil, err
	}
	m, err := monitor.NewMonitor(db, cfg, &log.Logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, m, nil
}

func openEnv(ctx context.Context, withSigner bool) (*env, error) {
	if fromChain == "" || toChain == "" {
		return nil, errors.New("--from and --to are required")
	}
	db, m, err := setupMonitor()
	if err != nil {
		return nil, err
	}
	e := &env{cfg: m.Config(), db: db, monitor: m}

	e.route, err = e.cfg.Route(fromChain, toChain)
	if err != nil {
		e.Close()
		return nil, err
	}
	if e.origin, err = dialChain(ctx, e.cfg, fromChain); err != nil {
		e.Close()
		return nil, err
	}
	if e.dest, err = dialChain(ctx, e.cfg, toChain); err != nil {
		e.Close()
		return nil, err
	}
	if withSigner {
		if e.signer, err = chain.LoadSigner(e.cfg.Signer.KeyEnv, e.cfg.Signer.Dotenv); err != nil {
			e.Close()
			return nil, err
		}
		log.Debug().Str("solver", e.signer.Address().Hex()).Msg("signer loaded")
	}
	return e, nil
}

func dialChain(ctx context.Context, cfg *monitor.Config, name string) (*chain.Client, error) {
	entry, err := cfg.Chain(name)
	if err != nil {
		return nil, err
	}
	return chain.Dial(ctx, name, entry.RPC(), entry.ID(), log.Logger)
}

func (e *env) Close() {
	if e.signer != nil {
		e.signer.Close()
	}
	if e.origin != nil {
		e.origin.Close()
	}
	if e.dest != nil {
		e.dest.Close()
	}
	if e.db != nil {
		e.db.Close()
	}
}

func (e *env) transactors() (origin, dest *chain.Transactor) {
	if e.signer == nil {
		return nil, nil
	}
	return e.origin.Transactor(e.signer), e.dest.Transactor(e.signer)
}

// pipeline wires one order's stages to the configured contracts, journaling
// into the local status database.
func (e *env) pipeline() (*settlement.Pipeline, error) {
	logger := &log.Logger
	originTx, destTx := e.transactors()
	settings := e.cfg.Settlement

	mode, err := settings.Mode()
	if err != nil {
		return nil, err
	}
	inputSettler := chain.NewInputSettler(e.route.InputSettler, e.origin, originTx)
	tokens := settlement.TokenFunc(func(address common.Address) settlement.Token {
		return chain.NewERC20(address, e.origin, originTx)
	})
	sub := settlement.NewSubmitter(e.route, inputSettler, tokens, e.origin, mode, logger)
	sub.ApproveUnlimited = settings.ApproveUnlimited

	obs := settlement.NewObserver(e.dest, e.route.OutputSettler, logger)

	originOracle := chain.NewOracle(e.route.OriginOracle, e.origin, nil)
	destOracle := chain.NewOracle(e.route.DestinationOracle, e.dest, destTx)
	relay := settlement.NewRelay(e.route, originOracle, destOracle, logger)
	if err := settings.ConfigureRelay(relay); err != nil {
		return nil, err
	}
	poller := settlement.NewPoller(originOracle, logger)
	if err := settings.ConfigurePoller(poller); err != nil {
		return nil, err
	}
	fin := settlement.NewFinisher(inputSettler, logger)

	return settlement.NewPipeline(sub, obs, relay, poller, fin, e.monitor, logger), nil
}

// tokenAmount converts a human amount like "1.5" into base units of token on
// network, reading decimals from the token contract when the config has none.
func (e *env) tokenAmount(ctx context.Context, network, ref, amount string) (common.Address, *big.Int, error) {
	entry, err := e.cfg.Chain(network)
	if err != nil {
		return common.Address{}, nil, err
	}
	addr, token, err := entry.Token(ref)
	if err != nil {
		return common.Address{}, nil, err
	}
	decimals := token.Decimals
	if decimals < 0 {
		client := e.origin
		if network == toChain {
			client = e.dest
		}
		d, err := chain.NewERC20(addr, client, nil).Decimals(ctx)
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("reading decimals of %s: %w", addr.Hex(), err)
		}
		decimals = int32(d)
	}

	value, err := decimal.NewFromString(amount)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	base := value.Shift(decimals)
	if !base.IsInteger() || !base.IsPositive() {
		return common.Address{}, nil, fmt.Errorf("amount %s is not a positive multiple of 10^-%d", amount, decimals)
	}
	return addr, base.BigInt(), nil
}
