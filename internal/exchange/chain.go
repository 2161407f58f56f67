// chain.go talks to Polygon directly for the pieces the CLOB API cannot do:
// redeeming resolved conditional tokens back into USDC.e and reading wallet
// balances.
//
// redeemPositions on the CTF contract burns whatever YES/NO balance the
// wallet holds for a condition and pays out collateral for the winning
// outcome. For binary markets parentCollectionId is always bytes32(0) and
// the index sets are [1, 2].
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	receiptPollInterval    = 3 * time.Second
	gasPriceCacheInterval  = 5 * time.Minute
	fallbackGasPriceWei    = 30_000_000_000 // 30 gwei
	redeemGasLimitFallback = uint64(300_000)
)

var (
	redeemABI  abi.ABI
	erc20ABI   abi.ABI
	erc1155ABI abi.ABI
)

func init() {
	var err error

	redeemABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "redeemPositions",
			"type": "function",
			"inputs": [
				{"name": "collateralToken", "type": "address"},
				{"name": "parentCollectionId", "type": "bytes32"},
				{"name": "conditionId", "type": "bytes32"},
				{"name": "indexSets", "type": "uint256[]"}
			],
			"outputs": []
		}
	]`))
	if err != nil {
		panic("ctf abi parse: " + err.Error())
	}

	erc20ABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "balanceOf",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "account", "type": "address"}],
			"outputs": [{"name": "", "type": "uint256"}]
		}
	]`))
	if err != nil {
		panic("erc20 abi parse: " + err.Error())
	}

	erc1155ABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "balanceOf",
			"type": "function",
			"stateMutability": "view",
			"inputs": [
				{"name": "account", "type": "address"},
				{"name": "id", "type": "uint256"}
			],
			"outputs": [{"name": "", "type": "uint256"}]
		}
	]`))
	if err != nil {
		panic("erc1155 abi parse: " + err.Error())
	}
}

// RedeemResult records the outcome of one redemption transaction.
type RedeemResult struct {
	TxHash      string
	ProceedsUSD float64 // collateral received, measured by balance delta
	GasUsed     uint64
	Confirmed   bool
}

// ChainClient wraps an ethclient connection with the CTF and collateral
// contracts the engine needs.
type ChainClient struct {
	client     *ethclient.Client
	auth       *Auth
	ctf        common.Address
	collateral common.Address
	logger     *slog.Logger

	gasMu        sync.Mutex
	cachedGasWei *big.Int
	gasUpdatedAt time.Time

	// Serializes transaction submission so PendingNonceAt stays coherent.
	txMu sync.Mutex
}

// NewChainClient dials the Polygon RPC endpoint and binds contract addresses.
func NewChainClient(rpcURL string, auth *Auth, ctfAddr, collateralAddr string, logger *slog.Logger) (*ChainClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &ChainClient{
		client:     client,
		auth:       auth,
		ctf:        common.HexToAddress(ctfAddr),
		collateral: common.HexToAddress(collateralAddr),
		logger:     logger.With("component", "chain"),
	}, nil
}

// Close releases the underlying RPC connection.
func (cc *ChainClient) Close() {
	cc.client.Close()
}

// RedeemPositions submits redeemPositions for one condition and waits for
// the receipt. Proceeds are computed as the collateral balance delta around
// the transaction, which also captures the losing leg paying zero.
func (cc *ChainClient) RedeemPositions(ctx context.Context, conditionID string) (*RedeemResult, error) {
	condition := common.HexToHash(conditionID)
	if condition == (common.Hash{}) {
		return nil, fmt.Errorf("invalid condition id %q", conditionID)
	}

	before, err := cc.CollateralBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("pre-redeem balance: %w", err)
	}

	indexSets := []*big.Int{big.NewInt(1), big.NewInt(2)}
	callData, err := redeemABI.Pack("redeemPositions",
		cc.collateral,
		common.Hash{},
		condition,
		indexSets,
	)
	if err != nil {
		return nil, fmt.Errorf("pack redeemPositions: %w", err)
	}

	cc.txMu.Lock()
	signedTx, err := cc.buildAndSignTx(ctx, cc.ctf, callData)
	if err == nil {
		err = cc.client.SendTransaction(ctx, signedTx)
	}
	cc.txMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send redeem tx: %w", err)
	}

	txHash := signedTx.Hash()
	cc.logger.Info("redeem transaction sent", "condition", conditionID, "tx", txHash.Hex())

	receipt, err := cc.waitForReceipt(ctx, txHash)
	if err != nil {
		return &RedeemResult{TxHash: txHash.Hex()}, fmt.Errorf("wait receipt: %w", err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return &RedeemResult{TxHash: txHash.Hex(), GasUsed: receipt.GasUsed},
			fmt.Errorf("redeem tx reverted: %s", txHash.Hex())
	}

	after, err := cc.CollateralBalance(ctx)
	if err != nil {
		// Tx confirmed; proceeds unknown but the redemption happened.
		cc.logger.Warn("post-redeem balance read failed", "error", err)
		after = before
	}

	proceeds := after - before
	if proceeds < 0 {
		proceeds = 0
	}

	cc.logger.Info("redeem confirmed",
		"condition", conditionID,
		"tx", txHash.Hex(),
		"proceeds_usd", proceeds,
		"gas_used", receipt.GasUsed,
	)
	return &RedeemResult{
		TxHash:      txHash.Hex(),
		ProceedsUSD: proceeds,
		GasUsed:     receipt.GasUsed,
		Confirmed:   true,
	}, nil
}

// CollateralBalance returns the wallet's USDC.e balance in whole dollars.
func (cc *ChainClient) CollateralBalance(ctx context.Context) (float64, error) {
	callData, err := erc20ABI.Pack("balanceOf", cc.auth.FunderAddress())
	if err != nil {
		return 0, fmt.Errorf("pack balanceOf: %w", err)
	}
	raw, err := cc.client.CallContract(ctx, ethereum.CallMsg{
		To:   &cc.collateral,
		Data: callData,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("call balanceOf: %w", err)
	}
	var balance *big.Int
	if err := erc20ABI.UnpackIntoInterface(&balance, "balanceOf", raw); err != nil {
		return 0, fmt.Errorf("unpack balanceOf: %w", err)
	}
	return microToFloat(balance), nil
}

// TokenBalance returns the wallet's conditional-token balance for a position
// (token) ID, in shares.
func (cc *ChainClient) TokenBalance(ctx context.Context, tokenID string) (float64, error) {
	positionID, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return 0, fmt.Errorf("invalid token id %q", tokenID)
	}
	callData, err := erc1155ABI.Pack("balanceOf", cc.auth.FunderAddress(), positionID)
	if err != nil {
		return 0, fmt.Errorf("pack balanceOf: %w", err)
	}
	raw, err := cc.client.CallContract(ctx, ethereum.CallMsg{
		To:   &cc.ctf,
		Data: callData,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("call balanceOf: %w", err)
	}
	var balance *big.Int
	if err := erc1155ABI.UnpackIntoInterface(&balance, "balanceOf", raw); err != nil {
		return 0, fmt.Errorf("unpack balanceOf: %w", err)
	}
	return microToFloat(balance), nil
}

func (cc *ChainClient) buildAndSignTx(ctx context.Context, to common.Address, callData []byte) (*ethtypes.Transaction, error) {
	from := cc.auth.Address()

	nonce, err := cc.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	gasPrice := cc.gasPrice(ctx)

	gasLimit, err := cc.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &to,
		GasPrice: gasPrice,
		Data:     callData,
	})
	if err != nil {
		gasLimit = redeemGasLimitFallback
		cc.logger.Warn("gas estimate failed, using fallback", "error", err, "limit", gasLimit)
	}
	// 20% headroom over the estimate
	gasLimit = gasLimit * 12 / 10

	tx := ethtypes.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, callData)
	return ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(cc.auth.ChainID()), cc.auth.PrivateKey())
}

// gasPrice returns a cached suggested gas price with a 10% inclusion buffer.
func (cc *ChainClient) gasPrice(ctx context.Context) *big.Int {
	cc.gasMu.Lock()
	defer cc.gasMu.Unlock()

	if cc.cachedGasWei != nil && time.Since(cc.gasUpdatedAt) < gasPriceCacheInterval {
		return cc.cachedGasWei
	}

	price, err := cc.client.SuggestGasPrice(ctx)
	if err != nil {
		if cc.cachedGasWei != nil {
			return cc.cachedGasWei
		}
		return big.NewInt(fallbackGasPriceWei)
	}

	buffered := new(big.Int).Mul(price, big.NewInt(11))
	buffered.Div(buffered, big.NewInt(10))

	cc.cachedGasWei = buffered
	cc.gasUpdatedAt = time.Now()
	return buffered
}

func (cc *ChainClient) waitForReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := cc.client.TransactionReceipt(ctx, txHash)
			if err != nil {
				continue // not yet mined
			}
			return receipt, nil
		}
	}
}

// microToFloat converts a 6-decimal integer amount to its float value.
func microToFloat(v *big.Int) float64 {
	f := new(big.Float).SetInt(v)
	f.Quo(f, big.NewFloat(1e6))
	out, _ := f.Float64()
	return out
}
