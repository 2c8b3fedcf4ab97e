package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// Small ABIs for the calls the keeper makes. The ledger's narrower integer
// return types are declared as uint256; ABI words decode the same.
const openSubABIJSON = `[
  {"type":"function","name":"isDue","stateMutability":"view",
   "inputs":[{"name":"subscriptionId","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"hasAccess","stateMutability":"view",
   "inputs":[{"name":"subscriptionId","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"collect","stateMutability":"nonpayable",
   "inputs":[{"name":"subscriptionId","type":"uint256"}],
   "outputs":[{"name":"merchantAmount","type":"uint256"},{"name":"collectorFee","type":"uint256"}]},
  {"type":"function","name":"subscriptions","stateMutability":"view",
   "inputs":[{"name":"","type":"uint256"}],
   "outputs":[
     {"name":"planId","type":"uint256"},
     {"name":"subscriber","type":"address"},
     {"name":"status","type":"uint8"},
     {"name":"startTime","type":"uint256"},
     {"name":"paidThrough","type":"uint256"},
     {"name":"lastChargedAt","type":"uint256"}]},
  {"type":"function","name":"plans","stateMutability":"view",
   "inputs":[{"name":"","type":"uint256"}],
   "outputs":[
     {"name":"merchant","type":"address"},
     {"name":"token","type":"address"},
     {"name":"price","type":"uint256"},
     {"name":"interval","type":"uint256"},
     {"name":"collectorFeeBps","type":"uint256"},
     {"name":"active","type":"bool"},
     {"name":"createdAt","type":"uint256"}]},
  {"type":"event","name":"Subscribed","anonymous":false,
   "inputs":[
     {"name":"subscriptionId","type":"uint256","indexed":true},
     {"name":"planId","type":"uint256","indexed":true},
     {"name":"subscriber","type":"address","indexed":true},
     {"name":"startTime","type":"uint40","indexed":false},
     {"name":"paidThrough","type":"uint40","indexed":false}]},
  {"type":"error","name":"NotDue","inputs":[]},
  {"type":"error","name":"PlanInactive","inputs":[]},
  {"type":"error","name":"SubscriptionNotActive","inputs":[]}
]`

const erc20ABIJSON = `[
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

var (
	openSubABI = mustParseABI(openSubABIJSON)
	erc20ABI   = mustParseABI(erc20ABIJSON)

	// SubscribedTopic is topic0 of the Subscribed event.
	SubscribedTopic = crypto.Keccak256Hash([]byte("Subscribed(uint256,uint256,address,uint40,uint40)"))
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("ledger: invalid embedded ABI: " + err.Error())
	}
	return parsed
}
