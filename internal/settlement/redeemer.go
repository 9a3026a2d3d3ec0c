// Package settlement redeems resolved positions on chain. Polymarket outcome
// tokens live on Gnosis Conditional Tokens (CTF); once a market resolves,
// redeemPositions burns the winning tokens and pays out USDC.
package settlement

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/polycopy/bot/internal/domain"
)

// Polygon mainnet contracts.
const (
	DefaultCTFAddress  = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
	DefaultUSDCAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	DefaultChainID     = 137
)

// ctfABIJSON covers the slice of the Conditional Tokens contract the
// redeemer touches.
const ctfABIJSON = `[
	{"name":"redeemPositions","type":"function","stateMutability":"nonpayable","inputs":[{"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},{"name":"conditionId","type":"bytes32"},{"name":"indexSets","type":"uint256[]"}],"outputs":[]},
	{"name":"payoutDenominator","type":"function","stateMutability":"view","inputs":[{"name":"","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"getCollectionId","type":"function","stateMutability":"view","inputs":[{"name":"parentCollectionId","type":"bytes32"},{"name":"conditionId","type":"bytes32"},{"name":"indexSet","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]},
	{"name":"getPositionId","type":"function","stateMutability":"pure","inputs":[{"name":"collateralToken","type":"address"},{"name":"collectionId","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// erc20ABIJSON covers the allowance check against the exchange.
const erc20ABIJSON = `[
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// Config holds the chain parameters for the redeemer.
type Config struct {
	RPCURL      string
	CTFAddress  string
	USDCAddress string
	ChainID     int64
}

// Redeemer signs and submits redeemPositions transactions. It satisfies the
// auto-claimer's Redeemer contract: redeeming a position that holds no
// outcome tokens returns domain.ErrAlreadyClaimed rather than burning gas.
type Redeemer struct {
	client   *ethclient.Client
	ctfABI   abi.ABI
	erc20ABI abi.ABI
	ctf      common.Address
	usdc     common.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	from     common.Address
	logger   *slog.Logger
}

// NewRedeemer dials the RPC endpoint and prepares the contract bindings.
func NewRedeemer(ctx context.Context, cfg Config, key *ecdsa.PrivateKey, logger *slog.Logger) (*Redeemer, error) {
	if cfg.CTFAddress == "" {
		cfg.CTFAddress = DefaultCTFAddress
	}
	if cfg.USDCAddress == "" {
		cfg.USDCAddress = DefaultUSDCAddress
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = DefaultChainID
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("settlement: dial %s: %w", cfg.RPCURL, err)
	}

	ctfABI, err := abi.JSON(strings.NewReader(ctfABIJSON))
	if err != nil {
		return nil, fmt.Errorf("settlement: parse ctf abi: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("settlement: parse erc20 abi: %w", err)
	}

	return &Redeemer{
		client:   client,
		ctfABI:   ctfABI,
		erc20ABI: erc20ABI,
		ctf:      common.HexToAddress(cfg.CTFAddress),
		usdc:     common.HexToAddress(cfg.USDCAddress),
		chainID:  big.NewInt(cfg.ChainID),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		logger:   logger.With(slog.String("component", "redeemer")),
	}, nil
}

// Close releases the RPC connection.
func (r *Redeemer) Close() {
	r.client.Close()
}

// Redeem burns the wallet's outcome tokens for a resolved market and returns
// the transaction hash. It returns domain.ErrAlreadyClaimed when the wallet
// holds no tokens for either outcome, which is what a replayed claim looks
// like on chain.
func (r *Redeemer) Redeem(ctx context.Context, marketID string) (string, error) {
	conditionID := common.HexToHash(marketID)

	denom, err := r.payoutDenominator(ctx, conditionID)
	if err != nil {
		return "", err
	}
	if denom.Sign() == 0 {
		return "", fmt.Errorf("settlement: market %s not resolved on chain", marketID)
	}

	// Binary markets use index sets 1 and 2. Zero balance on both means the
	// tokens were already redeemed.
	indexSets := []*big.Int{big.NewInt(1), big.NewInt(2)}
	held, err := r.heldTokens(ctx, conditionID, indexSets)
	if err != nil {
		return "", err
	}
	if held.Sign() == 0 {
		return "", domain.ErrAlreadyClaimed
	}

	var parentCollection common.Hash
	data, err := r.ctfABI.Pack("redeemPositions", r.usdc, parentCollection, conditionID, indexSets)
	if err != nil {
		return "", fmt.Errorf("settlement: pack redeemPositions: %w", err)
	}

	tx, err := r.sendTransaction(ctx, data)
	if err != nil {
		return "", err
	}

	r.logger.InfoContext(ctx, "redemption submitted",
		slog.String("market_id", marketID),
		slog.String("tx", tx.Hash().Hex()))
	return tx.Hash().Hex(), nil
}

// HasExchangeAllowance reports whether the wallet has granted the exchange at
// least min USDC base units. Called once at startup; orders from a wallet
// without allowance fail with an opaque venue rejection otherwise.
func (r *Redeemer) HasExchangeAllowance(ctx context.Context, exchange string, min *big.Int) (bool, error) {
	data, err := r.erc20ABI.Pack("allowance", r.from, common.HexToAddress(exchange))
	if err != nil {
		return false, fmt.Errorf("settlement: pack allowance: %w", err)
	}

	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.usdc, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("settlement: allowance call: %w", err)
	}

	var allowance *big.Int
	if err := r.erc20ABI.UnpackIntoInterface(&allowance, "allowance", out); err != nil {
		return false, fmt.Errorf("settlement: decode allowance: %w", err)
	}
	return allowance.Cmp(min) >= 0, nil
}

func (r *Redeemer) payoutDenominator(ctx context.Context, conditionID common.Hash) (*big.Int, error) {
	data, err := r.ctfABI.Pack("payoutDenominator", conditionID)
	if err != nil {
		return nil, fmt.Errorf("settlement: pack payoutDenominator: %w", err)
	}
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.ctf, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("settlement: payoutDenominator call: %w", err)
	}
	var denom *big.Int
	if err := r.ctfABI.UnpackIntoInterface(&denom, "payoutDenominator", out); err != nil {
		return nil, fmt.Errorf("settlement: decode payoutDenominator: %w", err)
	}
	return denom, nil
}

// heldTokens sums the wallet's CTF balance across the given index sets.
func (r *Redeemer) heldTokens(ctx context.Context, conditionID common.Hash, indexSets []*big.Int) (*big.Int, error) {
	total := new(big.Int)
	var parentCollection common.Hash

	for _, indexSet := range indexSets {
		data, err := r.ctfABI.Pack("getCollectionId", parentCollection, conditionID, indexSet)
		if err != nil {
			return nil, fmt.Errorf("settlement: pack getCollectionId: %w", err)
		}
		out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.ctf, Data: data}, nil)
		if err != nil {
			return nil, fmt.Errorf("settlement: getCollectionId call: %w", err)
		}
		var collectionID [32]byte
		if err := r.ctfABI.UnpackIntoInterface(&collectionID, "getCollectionId", out); err != nil {
			return nil, fmt.Errorf("settlement: decode getCollectionId: %w", err)
		}

		data, err = r.ctfABI.Pack("getPositionId", r.usdc, collectionID)
		if err != nil {
			return nil, fmt.Errorf("settlement: pack getPositionId: %w", err)
		}
		out, err = r.client.CallContract(ctx, ethereum.CallMsg{To: &r.ctf, Data: data}, nil)
		if err != nil {
			return nil, fmt.Errorf("settlement: getPositionId call: %w", err)
		}
		var positionID *big.Int
		if err := r.ctfABI.UnpackIntoInterface(&positionID, "getPositionId", out); err != nil {
			return nil, fmt.Errorf("settlement: decode getPositionId: %w", err)
		}

		data, err = r.ctfABI.Pack("balanceOf", r.from, positionID)
		if err != nil {
			return nil, fmt.Errorf("settlement: pack balanceOf: %w", err)
		}
		out, err = r.client.CallContract(ctx, ethereum.CallMsg{To: &r.ctf, Data: data}, nil)
		if err != nil {
			return nil, fmt.Errorf("settlement: balanceOf call: %w", err)
		}
		var balance *big.Int
		if err := r.ctfABI.UnpackIntoInterface(&balance, "balanceOf", out); err != nil {
			return nil, fmt.Errorf("settlement: decode balanceOf: %w", err)
		}
		total.Add(total, balance)
	}
	return total, nil
}

// sendTransaction signs and broadcasts a call to the CTF contract.
func (r *Redeemer) sendTransaction(ctx context.Context, data []byte) (*types.Transaction, error) {
	nonce, err := r.client.PendingNonceAt(ctx, r.from)
	if err != nil {
		return nil, fmt.Errorf("settlement: pending nonce: %w", err)
	}
	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("settlement: suggest gas price: %w", err)
	}
	gasLimit, err := r.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     r.from,
		To:       &r.ctf,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return nil, fmt.Errorf("settlement: estimate gas: %w", err)
	}

	tx := types.NewTransaction(nonce, r.ctf, new(big.Int), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(r.chainID), r.key)
	if err != nil {
		return nil, fmt.Errorf("settlement: sign tx: %w", err)
	}
	if err := r.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("settlement: send tx: %w", err)
	}
	return signed, nil
}
