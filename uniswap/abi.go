package uniswap

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const factoryABIJSON = `[
	{"name":"getPool","type":"function","stateMutability":"view",
	 "inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"},{"name":"fee","type":"uint24"}],
	 "outputs":[{"name":"pool","type":"address"}]}
]`

const poolABIJSON = `[
	{"name":"slot0","type":"function","stateMutability":"view","inputs":[],"outputs":[
		{"name":"sqrtPriceX96","type":"uint160"},
		{"name":"tick","type":"int24"},
		{"name":"observationIndex","type":"uint16"},
		{"name":"observationCardinality","type":"uint16"},
		{"name":"observationCardinalityNext","type":"uint16"},
		{"name":"feeProtocol","type":"uint8"},
		{"name":"unlocked","type":"bool"}
	]}
]`

const erc20ABIJSON = `[
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"name":"allowance","type":"function","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"name":"approve","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

const positionManagerABIJSON = `[
	{"name":"positions","type":"function","stateMutability":"view",
	 "inputs":[{"name":"tokenId","type":"uint256"}],
	 "outputs":[
		{"name":"nonce","type":"uint96"},
		{"name":"operator","type":"address"},
		{"name":"token0","type":"address"},
		{"name":"token1","type":"address"},
		{"name":"fee","type":"uint24"},
		{"name":"tickLower","type":"int24"},
		{"name":"tickUpper","type":"int24"},
		{"name":"liquidity","type":"uint128"},
		{"name":"feeGrowthInside0LastX128","type":"uint256"},
		{"name":"feeGrowthInside1LastX128","type":"uint256"},
		{"name":"tokensOwed0","type":"uint128"},
		{"name":"tokensOwed1","type":"uint128"}
	]},
	{"name":"mint","type":"function","stateMutability":"payable",
	 "inputs":[{"name":"params","type":"tuple","components":[
		{"name":"token0","type":"address"},
		{"name":"token1","type":"address"},
		{"name":"fee","type":"uint24"},
		{"name":"tickLower","type":"int24"},
		{"name":"tickUpper","type":"int24"},
		{"name":"amount0Desired","type":"uint256"},
		{"name":"amount1Desired","type":"uint256"},
		{"name":"amount0Min","type":"uint256"},
		{"name":"amount1Min","type":"uint256"},
		{"name":"recipient","type":"address"},
		{"name":"deadline","type":"uint256"}
	 ]}],
	 "outputs":[
		{"name":"tokenId","type":"uint256"},
		{"name":"liquidity","type":"uint128"},
		{"name":"amount0","type":"uint256"},
		{"name":"amount1","type":"uint256"}
	]},
	{"name":"increaseLiquidity","type":"function","stateMutability":"payable",
	 "inputs":[{"name":"params","type":"tuple","components":[
		{"name":"tokenId","type":"uint256"},
		{"name":"amount0Desired","type":"uint256"},
		{"name":"amount1Desired","type":"uint256"},
		{"name":"amount0Min","type":"uint256"},
		{"name":"amount1Min","type":"uint256"},
		{"name":"deadline","type":"uint256"}
	 ]}],
	 "outputs":[
		{"name":"liquidity","type":"uint128"},
		{"name":"amount0","type":"uint256"},
		{"name":"amount1","type":"uint256"}
	]},
	{"name":"decreaseLiquidity","type":"function","stateMutability":"payable",
	 "inputs":[{"name":"params","type":"tuple","components":[
		{"name":"tokenId","type":"uint256"},
		{"name":"liquidity","type":"uint128"},
		{"name":"amount0Min","type":"uint256"},
		{"name":"amount1Min","type":"uint256"},
		{"name":"deadline","type":"uint256"}
	 ]}],
	 "outputs":[
		{"name":"amount0","type":"uint256"},
		{"name":"amount1","type":"uint256"}
	]},
	{"name":"collect","type":"function","stateMutability":"payable",
	 "inputs":[{"name":"params","type":"tuple","components":[
		{"name":"tokenId","type":"uint256"},
		{"name":"recipient","type":"address"},
		{"name":"amount0Max","type":"uint128"},
		{"name":"amount1Max","type":"uint128"}
	 ]}],
	 "outputs":[
		{"name":"amount0","type":"uint256"},
		{"name":"amount1","type":"uint256"}
	]},
	{"name":"IncreaseLiquidity","type":"event","anonymous":false,"inputs":[
		{"name":"tokenId","type":"uint256","indexed":true},
		{"name":"liquidity","type":"uint128","indexed":false},
		{"name":"amount0","type":"uint256","indexed":false},
		{"name":"amount1","type":"uint256","indexed":false}
	]},
	{"name":"DecreaseLiquidity","type":"event","anonymous":false,"inputs":[
		{"name":"tokenId","type":"uint256","indexed":true},
		{"name":"liquidity","type":"uint128","indexed":false},
		{"name":"amount0","type":"uint256","indexed":false},
		{"name":"amount1","type":"uint256","indexed":false}
	]},
	{"name":"Collect","type":"event","anonymous":false,"inputs":[
		{"name":"tokenId","type":"uint256","indexed":true},
		{"name":"recipient","type":"address","indexed":false},
		{"name":"amount0","type":"uint256","indexed":false},
		{"name":"amount1","type":"uint256","indexed":false}
	]}
]`

var (
	factoryABI         = mustParseABI(factoryABIJSON)
	poolABI            = mustParseABI(poolABIJSON)
	erc20ABI           = mustParseABI(erc20ABIJSON)
	positionManagerABI = mustParseABI(positionManagerABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}

// Tuple arguments of the position manager. Field names follow the ABI.
type mintParams struct {
	Token0         common.Address
	Token1         common.Address
	Fee            *big.Int
	TickLower      *big.Int
	TickUpper      *big.Int
	Amount0Desired *big.Int
	Amount1Desired *big.Int
	Amount0Min     *big.Int
	Amount1Min     *big.Int
	Recipient      common.Address
	Deadline       *big.Int
}

type increaseParams struct {
	TokenId        *big.Int
	Amount0Desired *big.Int
	Amount1Desired *big.Int
	Amount0Min     *big.Int
	Amount1Min     *big.Int
	Deadline       *big.Int
}

type decreaseParams struct {
	TokenId    *big.Int
	Liquidity  *big.Int
	Amount0Min *big.Int
	Amount1Min *big.Int
	Deadline   *big.Int
}

type collectParams struct {
	TokenId    *big.Int
	Recipient  common.Address
	Amount0Max *big.Int
	Amount1Max *big.Int
}

// maxUint128 is the collect maximum that drains everything owed.
var maxUint128 = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))

// toUint converts a non-negative raw amount to an integer that fits in bits.
// Fractions are truncated.
func toUint(d decimal.Decimal, bits int) (*big.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %s is negative", ErrAmountOutOfRange, d)
	}
	v := d.Floor().BigInt()
	u, overflow := uint256.FromBig(v)
	if overflow || u.BitLen() > bits {
		return nil, fmt.Errorf("%w: %s exceeds uint%d", ErrAmountOutOfRange, d, bits)
	}
	return u.ToBig(), nil
}

func fromUint(v any) (decimal.Decimal, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("unexpected integer type %T", v)
	}
	return decimal.NewFromBigInt(b, 0), nil
}
