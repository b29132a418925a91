package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// marketABI is the subset of the market contract the client uses.
// Sides are encoded as uint8 (0 = LONG, 1 = SHORT); prices carry
// PriceDecimals, stakes carry the stake token's decimals.
const marketABI = `[
	{"name":"tradingPair","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"name":"currentPhase","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"name":"positions","type":"function","stateMutability":"view","inputs":[],"outputs":[
		{"name":"longTotal","type":"uint256"},
		{"name":"shortTotal","type":"uint256"}
	]},
	{"name":"oracleDetails","type":"function","stateMutability":"view","inputs":[],"outputs":[
		{"name":"strikePrice","type":"uint256"},
		{"name":"finalPrice","type":"uint256"}
	]},
	{"name":"biddingStartTime","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"maturityTime","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"resolveTime","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"feeRate","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"owner","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"name":"stakeOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[
		{"name":"longStake","type":"uint256"},
		{"name":"shortStake","type":"uint256"},
		{"name":"claimed","type":"bool"}
	]},
	{"name":"startBidding","type":"function","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"name":"bid","type":"function","stateMutability":"nonpayable","inputs":[
		{"name":"side","type":"uint8"},
		{"name":"amount","type":"uint256"}
	],"outputs":[]},
	{"name":"resolveMarket","type":"function","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"name":"expireMarket","type":"function","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"name":"claimReward","type":"function","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"name":"PositionUpdated","type":"event","anonymous":false,"inputs":[
		{"name":"timestamp","type":"uint256","indexed":false},
		{"name":"longTotal","type":"uint256","indexed":false},
		{"name":"shortTotal","type":"uint256","indexed":false}
	]}
]`

var (
	parsedABI = mustParseABI(marketABI)

	// PositionUpdated(uint256,uint256,uint256)
	sigPositionUpdated = parsedABI.Events["PositionUpdated"].ID
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("evm: invalid market ABI: " + err.Error())
	}
	return parsed
}

// MarketABI exposes the parsed contract ABI for tooling and tests.
func MarketABI() abi.ABI { return parsedABI }

// PositionUpdatedTopic is the event signature hash of PositionUpdated.
func PositionUpdatedTopic() common.Hash { return sigPositionUpdated }
