package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// Client is a node connection for one configured chain.
type Client struct {
	Name    string
	ChainID *big.Int
	*ethclient.Client

	logger zerolog.Logger
}

// Dial connects to rpcURL and verifies that the node serves the expected chain.
func Dial(ctx context.Context, name, rpcURL string, expectedChainID *big.Int, logger zerolog.Logger) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("chain %s: rpc url not configured", name)
	}
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain %s: dial: %w", name, err)
	}
	id, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("chain %s: reading chain id: %w", name, err)
	}
	if expectedChainID != nil && id.Cmp(expectedChainID) != 0 {
		ec.Close()
		return nil, fmt.Errorf("chain %s: node reports chain id %s, configured %s", name, id, expectedChainID)
	}

	logger.Debug().Str("chain", name).Str("chain_id", id.String()).Msg("connected")
	return &Client{
		Name:    name,
		ChainID: id,
		Client:  ec,
		logger:  logger.With().Str("chain", name).Logger(),
	}, nil
}

// Transactor returns a transactor for this chain signing with signer.
func (c *Client) Transactor(signer *Signer) *Transactor {
	return NewTransactor(c, signer, c.ChainID, c.logger)
}

// Receipt fetches a receipt and reports a missing one as found=false
// instead of an error.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, bool, error) {
	r, err := c.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("chain %s: receipt %s: %w", c.Name, hash.Hex(), err)
	}
	return r, true, nil
}
