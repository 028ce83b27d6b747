package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/params"
	"github.com/rs/zerolog/log"
)

// weiPerUnit converts ledger units (gwei) to wei.
var weiPerUnit = big.NewInt(params.GWei)

var chainNames = map[uint64]string{
	1:        "mainnet",
	10:       "optimism",
	137:      "polygon",
	8453:     "base",
	17000:    "holesky",
	42161:    "arbitrum",
	11155111: "sepolia",
}

// EthClient is the subset of *ethclient.Client the EVM ledger needs.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// EVMLedger pays from a single externally owned account. Ledger units are
// gwei; the account address doubles as the receiving address, so payments
// to it carry no amount and never expire.
type EVMLedger struct {
	client  EthClient
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	network string

	// Serializes nonce allocation.
	sendMu sync.Mutex
}

// DialEVM connects to rpcURL and returns a ledger for the account behind
// privateKeyHex. An empty network is filled in from the chain id.
func DialEVM(ctx context.Context, rpcURL, privateKeyHex, network string) (*EVMLedger, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to EVM node: %w", err)
	}
	l, err := NewEVMLedger(ctx, client, privateKeyHex, network)
	if err != nil {
		client.Close()
		return nil, err
	}
	return l, nil
}

// NewEVMLedger builds a ledger on an existing client.
func NewEVMLedger(ctx context.Context, client EthClient, privateKeyHex, network string) (*EVMLedger, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ledger private key: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	if network == "" {
		network = chainNames[chainID.Uint64()]
		if network == "" {
			network = "chain-" + chainID.String()
		}
	}

	l := &EVMLedger{
		client:  client,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		network: network,
	}
	log.Info().
		Str("address", l.address.Hex()).
		Str("network", network).
		Msg("EVM ledger ready")
	return l, nil
}

func (l *EVMLedger) Network() string {
	return l.network
}

func (l *EVMLedger) ReceivingAddress(ctx context.Context) (string, error) {
	return l.address.Hex(), nil
}

func (l *EVMLedger) ValidateAddress(address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return nil
}

func (l *EVMLedger) Balance(ctx context.Context) (uint64, error) {
	wei, err := l.client.BalanceAt(ctx, l.address, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	units := new(big.Int).Quo(wei, weiPerUnit)
	if !units.IsUint64() {
		return 0, fmt.Errorf("balance %s wei does not fit in ledger units", wei)
	}
	return units.Uint64(), nil
}

// Send transfers amount gwei to address with a plain value transfer and
// returns the transaction hash.
func (l *EVMLedger) Send(ctx context.Context, amount uint64, address string) (string, error) {
	if amount == 0 {
		return "", ErrZeroAmount
	}
	if err := l.ValidateAddress(address); err != nil {
		return "", err
	}
	to := common.HexToAddress(address)
	value := new(big.Int).Mul(new(big.Int).SetUint64(amount), weiPerUnit)

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}
	balance, err := l.client.BalanceAt(ctx, l.address, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get balance: %w", err)
	}
	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(params.TxGas))
	cost.Add(cost, value)
	if balance.Cmp(cost) < 0 {
		return "", fmt.Errorf("%w: need %s wei, have %s", ErrInsufficientFunds, cost, balance)
	}

	nonce, err := l.client.PendingNonceAt(ctx, l.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      params.TxGas,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := l.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	log.Info().
		Str("tx", signed.Hash().Hex()).
		Str("to", to.Hex()).
		Uint64("amount", amount).
		Uint64("nonce", nonce).
		Msg("Transfer submitted")
	return signed.Hash().Hex(), nil
}
