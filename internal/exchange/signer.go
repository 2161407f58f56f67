// signer.go produces salted, EIP-712-signed exchange orders via
// go-order-utils, the reference implementation of Polymarket's order
// hashing. The salt makes otherwise-identical orders distinct, which the
// parallel dual-leg path depends on.
package exchange

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/polymarket/go-order-utils/pkg/builder"
	gomodel "github.com/polymarket/go-order-utils/pkg/model"

	"polyarb/pkg/types"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// Signer converts high-level UserOrders into the signed wire format the
// CLOB API verifies against the CTF exchange contract.
type Signer struct {
	auth    *Auth
	builder builder.ExchangeOrderBuilder
}

// NewSigner creates a Signer bound to the auth wallet and chain.
func NewSigner(auth *Auth) *Signer {
	return &Signer{
		auth:    auth,
		builder: builder.NewExchangeOrderBuilderImpl(new(big.Int).Set(auth.ChainID()), nil),
	}
}

// Sign builds and signs one order. negRisk selects the NegRisk CTF exchange
// as the verifying contract; 15-minute up/down markets are plain CTF.
func (s *Signer) Sign(order types.UserOrder, negRisk bool) (*types.SignedOrder, error) {
	tickSize := order.TickSize
	if tickSize == "" {
		tickSize = types.Tick001
	}
	makerAmt, takerAmt := PriceToAmounts(order.Price, order.Size, order.Side, tickSize)
	if makerAmt.Sign() <= 0 || takerAmt.Sign() <= 0 {
		return nil, fmt.Errorf("sign order: non-positive amounts (price=%.4f size=%.4f)", order.Price, order.Size)
	}

	side := gomodel.BUY
	if order.Side == types.SELL {
		side = gomodel.SELL
	}

	var sigType gomodel.SignatureType
	switch s.auth.sigType {
	case types.SigProxy:
		sigType = gomodel.POLY_PROXY
	case types.SigGnosisSafe:
		sigType = gomodel.POLY_GNOSIS_SAFE
	default:
		sigType = gomodel.EOA
	}

	contract := gomodel.CTFExchange
	if negRisk {
		contract = gomodel.NegRiskCTFExchange
	}

	data := &gomodel.OrderData{
		Maker:         s.auth.FunderAddress().Hex(),
		Taker:         zeroAddress,
		TokenId:       order.TokenID,
		MakerAmount:   makerAmt.String(),
		TakerAmount:   takerAmt.String(),
		FeeRateBps:    strconv.Itoa(order.FeeRateBps),
		Nonce:         "0",
		Signer:        s.auth.Address().Hex(),
		Expiration:    strconv.FormatInt(order.Expiration, 10),
		Side:          side,
		SignatureType: sigType,
	}

	signed, err := s.builder.BuildSignedOrder(s.auth.PrivateKey(), data, contract)
	if err != nil {
		return nil, fmt.Errorf("build signed order: %w", err)
	}

	return &types.SignedOrder{
		Salt:          signed.Order.Salt.String(),
		Maker:         signed.Order.Maker.Hex(),
		Signer:        signed.Order.Signer.Hex(),
		Taker:         signed.Order.Taker.Hex(),
		TokenID:       order.TokenID,
		MakerAmount:   new(big.Int).Set(signed.Order.MakerAmount),
		TakerAmount:   new(big.Int).Set(signed.Order.TakerAmount),
		Side:          order.Side,
		Expiration:    signed.Order.Expiration.String(),
		Nonce:         signed.Order.Nonce.String(),
		FeeRateBps:    signed.Order.FeeRateBps.String(),
		SignatureType: s.auth.sigType,
		Signature:     "0x" + common.Bytes2Hex(signed.Signature),
	}, nil
}
