package settlement

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/msalopek/intent_settlement/intent"
)

const (
	DefaultPollInterval         = 10 * time.Second
	DefaultPollAttempts         = 24
	DefaultMaxConsecutiveErrors = 3
)

type PollState int

const (
	Pending PollState = iota
	Attested
	TimedOut
)

func (s PollState) String() string {
	switch s {
	case Attested:
		return "attested"
	case TimedOut:
		return "timed_out"
	default:
		return "pending"
	}
}

// Fact identifies one provable fact on the origin oracle.
type Fact struct {
	RemoteChainID *big.Int
	RemoteOracle  [32]byte
	// Application is the destination settler the fill was emitted by.
	Application [32]byte
	DataHash    common.Hash
}

// FactFor derives the fact a relay of payload for fill proves.
func FactFor(route Route, fill *Fill, payload []byte) Fact {
	return Fact{
		RemoteChainID: route.DestinationChainID,
		RemoteOracle:  intent.WidenAddress(route.DestinationOracle),
		Application:   fill.Output.Settler,
		DataHash:      intent.FactHash(payload),
	}
}

type Attestation struct {
	State    PollState
	Attempts int
}

type Poller struct {
	Proofs      ProofSource
	Interval    time.Duration
	MaxAttempts int
	// MaxConsecutiveErrors is how many failed reads in a row end the poll
	// with the transport error instead of a timeout.
	MaxConsecutiveErrors int

	logger *zerolog.Logger
}

func NewPoller(proofs ProofSource, logger *zerolog.Logger) *Poller {
	return &Poller{
		Proofs:               proofs,
		Interval:             DefaultPollInterval,
		MaxAttempts:          DefaultPollAttempts,
		MaxConsecutiveErrors: DefaultMaxConsecutiveErrors,
		logger:               logger,
	}
}

// Poll queries isProven until it reports true, MaxAttempts queries have been
// made or ctx is done. The wait between queries never blocks other goroutines.
func (p *Poller) Poll(ctx context.Context, f Fact) (Attestation, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultPollAttempts
	}
	maxErrors := p.MaxConsecutiveErrors
	if maxErrors <= 0 {
		maxErrors = 1
	}

	att := Attestation{State: Pending}
	consecutiveErrors := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for att.Attempts < maxAttempts {
		select {
		case <-ctx.Done():
			return att, ctx.Err()
		case <-timer.C:
		}

		att.Attempts++
		attestationPolls.Inc()
		proven, err := p.Proofs.IsProven(ctx, f.RemoteChainID, f.RemoteOracle, f.Application, f.DataHash)
		switch {
		case err != nil:
			consecutiveErrors++
			p.logger.Warn().Err(err).Int("attempt", att.Attempts).Str("fact", f.DataHash.Hex()).Msg("isProven query failed")
			if consecutiveErrors >= maxErrors {
				return att, fmt.Errorf("querying attestation for %s: %w", f.DataHash.Hex(), err)
			}
		case proven:
			att.State = Attested
			p.logger.Info().Int("attempts", att.Attempts).Str("fact", f.DataHash.Hex()).Msg("fact attested")
			return att, nil
		default:
			consecutiveErrors = 0
			p.logger.Debug().Int("attempt", att.Attempts).Str("fact", f.DataHash.Hex()).Msg("fact not proven yet")
		}

		if att.Attempts < maxAttempts {
			timer.Reset(p.Interval)
		}
	}

	att.State = TimedOut
	return att, fmt.Errorf("%w: fact %s after %d attempts", ErrAttestationTimeout, f.DataHash.Hex(), att.Attempts)
}
