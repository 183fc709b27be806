package queues

// EVMEvent carries the fields every EVM chain event shares.
type EVMEvent struct {
	ID                string `json:"id"`
	TransactionSender string `json:"transactionSender"`
	Timestamp         int64  `json:"timestamp"`
	TransactionHash   string `json:"transactionHash"`
	BlockNumber       int64  `json:"blockNumber"`
	ChainID           int64  `json:"chainId"`
}

// UniswapV2Swap is a Swap log emitted by a Uniswap V2 pair. Amounts are
// base-10 integer strings.
type UniswapV2Swap struct {
	EVMEvent
	Sender     string `json:"sender"`
	To         string `json:"to"`
	Amount0In  string `json:"amount0In"`
	Amount1In  string `json:"amount1In"`
	Amount0Out string `json:"amount0Out"`
	Amount1Out string `json:"amount1Out"`
	Pair       string `json:"pair"`
}

// SolanaEvent carries the fields every Solana program event shares.
type SolanaEvent struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	Timestamp int64  `json:"timestamp"`
	ProgramID string `json:"programId"`
}

// PumpfunTrade is a buy or sell on a pump.fun bonding curve.
type PumpfunTrade struct {
	SolanaEvent
	Mint        string `json:"mint"`
	SolAmount   string `json:"solAmount"`
	TokenAmount string `json:"tokenAmount"`
	IsBuy       bool   `json:"isBuy"`
	Trader      string `json:"trader"`
}

// SwapType distinguishes exact-input from exact-output Raydium swaps.
type SwapType string

const (
	SwapBaseIn  SwapType = "swapBaseIn"
	SwapBaseOut SwapType = "swapBaseOut"
)

// RaydiumTrade is a Raydium AMM swap. AmountIn and MinimumAmountOut belong to
// swapBaseIn, MaxAmountIn and AmountOut to swapBaseOut, but none of them is
// enforced by SwapType.
type RaydiumTrade struct {
	SolanaEvent
	SwapType         SwapType `json:"swapType"`
	PoolID           string   `json:"poolId"`
	User             string   `json:"user"`
	AmountIn         *string  `json:"amountIn,omitempty"`
	MinimumAmountOut *string  `json:"minimumAmountOut,omitempty"`
	MaxAmountIn      *string  `json:"maxAmountIn,omitempty"`
	AmountOut        *string  `json:"amountOut,omitempty"`
}
