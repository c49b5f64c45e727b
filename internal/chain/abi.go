package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const oracleABIJSON = `[
 {"type":"function","name":"updatePrice","stateMutability":"nonpayable","inputs":[{"name":"assetId","type":"bytes32"},{"name":"price","type":"int64"},{"name":"confidence","type":"uint64"}],"outputs":[]},
 {"type":"function","name":"updatePriceFeeds","stateMutability":"payable","inputs":[{"name":"priceUpdateData","type":"bytes[]"}],"outputs":[]},
 {"type":"function","name":"updateStoredPrice","stateMutability":"nonpayable","inputs":[{"name":"assetId","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"getUpdateFee","stateMutability":"view","inputs":[{"name":"priceUpdateData","type":"bytes[]"}],"outputs":[{"name":"fee","type":"uint256"}]},
 {"type":"function","name":"getLatestPrice","stateMutability":"view","inputs":[{"name":"assetId","type":"bytes32"}],"outputs":[{"name":"price","type":"int64"},{"name":"timestamp","type":"uint64"},{"name":"isAnomalous","type":"bool"}]},
 {"type":"function","name":"flagAnomaly","stateMutability":"nonpayable","inputs":[{"name":"assetId","type":"bytes32"},{"name":"reason","type":"string"}],"outputs":[]},
 {"type":"function","name":"clearAnomaly","stateMutability":"nonpayable","inputs":[{"name":"assetId","type":"bytes32"}],"outputs":[]},
 {"type":"event","name":"PriceUpdated","anonymous":false,"inputs":[{"name":"assetId","type":"bytes32","indexed":true},{"name":"price","type":"int64","indexed":false},{"name":"timestamp","type":"uint64","indexed":false}]},
 {"type":"event","name":"AnomalyFlagged","anonymous":false,"inputs":[{"name":"assetId","type":"bytes32","indexed":true},{"name":"reason","type":"string","indexed":false},{"name":"timestamp","type":"uint64","indexed":false}]},
 {"type":"event","name":"AnomalyCleared","anonymous":false,"inputs":[{"name":"assetId","type":"bytes32","indexed":true},{"name":"timestamp","type":"uint64","indexed":false}]}
]`

// OracleABI is the subset of the SentinelOracle interface used by the pusher.
var OracleABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(oracleABIJSON))
	if err != nil {
		panic("failed to parse oracle ABI: " + err.Error())
	}
	OracleABI = parsed
}
