package pricing

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const (
	erc20MetadataABIJSON = `[{"inputs":[],"name":"name","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"symbol","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"}]`
)

var (
	erc20MetadataABI abi.ABI

	// ErrNotContract means the key is not an EVM address.
	ErrNotContract = errors.New("pricing: key is not an evm address")
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20MetadataABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 metadata ABI: " + err.Error())
	}
	erc20MetadataABI = parsed
}

type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainResolverOptions parameterise the on-chain name resolver.
type ChainResolverOptions struct {
	RPCURL  string
	Timeout time.Duration
}

// ChainResolver reads ERC-20 symbol()/name() over Ethereum RPC. It is the
// display-name fallback for tokens the pair API does not list yet.
type ChainResolver struct {
	opts      ChainResolverOptions
	logger    zerolog.Logger
	caller    contractCaller
	clientMux sync.Mutex
}

// NewChainResolver builds a resolver that dials lazily on first use.
func NewChainResolver(opts ChainResolverOptions, logger zerolog.Logger) *ChainResolver {
	return &ChainResolver{opts: opts, logger: logger.With().Str("component", "chain_resolver").Logger()}
}

// ResolveName returns the token symbol, or its name when the symbol is empty.
func (r *ChainResolver) ResolveName(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if !common.IsHexAddress(key) {
		return "", ErrNotContract
	}

	timeout := r.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := r.getCaller(ctx)
	if err != nil {
		return "", err
	}

	addr := common.HexToAddress(key)
	symbol, symErr := callString(ctx, caller, addr, "symbol")
	if symErr == nil && symbol != "" {
		return symbol, nil
	}

	name, err := callString(ctx, caller, addr, "name")
	if err != nil {
		if symErr != nil {
			return "", symErr
		}
		return "", err
	}
	if name == "" {
		return "", errors.New("token exposes no symbol or name")
	}
	return name, nil
}

func callString(ctx context.Context, caller contractCaller, addr common.Address, method string) (string, error) {
	payload, err := erc20MetadataABI.Pack(method)
	if err != nil {
		return "", err
	}

	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return "", err
	}

	outputs, err := erc20MetadataABI.Unpack(method, res)
	if err != nil {
		return "", err
	}
	if len(outputs) != 1 {
		return "", errors.New("unexpected " + method + " response")
	}

	value, ok := outputs[0].(string)
	if !ok {
		return "", errors.New("failed to decode " + method + " output")
	}
	return strings.TrimSpace(value), nil
}

func (r *ChainResolver) getCaller(ctx context.Context) (contractCaller, error) {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()

	if r.caller != nil {
		return r.caller, nil
	}
	if r.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, r.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	r.caller = client
	return client, nil
}

var _ NameResolver = (*ChainResolver)(nil)
