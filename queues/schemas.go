package queues

import "github.com/kinsyu/messaging/schema"

var evmBaseSchema = schema.Object(
	schema.Required("id", schema.String()),
	schema.Required("transactionSender", schema.String()),
	schema.Required("timestamp", schema.Integer()),
	schema.Required("transactionHash", schema.String()),
	schema.Required("blockNumber", schema.Integer()),
	schema.Required("chainId", schema.Integer()),
)

var solanaBaseSchema = schema.Object(
	schema.Required("signature", schema.String()),
	schema.Required("slot", schema.Unsigned()),
	schema.Required("timestamp", schema.Integer()),
	schema.Required("programId", schema.String()),
)

var uniswapV2SwapSchema = evmBaseSchema.Extend(
	schema.Required("sender", schema.String()),
	schema.Required("to", schema.String()),
	schema.Required("amount0In", schema.String()),
	schema.Required("amount1In", schema.String()),
	schema.Required("amount0Out", schema.String()),
	schema.Required("amount1Out", schema.String()),
	schema.Required("pair", schema.String()),
)

var pumpfunTradeSchema = schema.Intersect(
	solanaBaseSchema,
	schema.Object(
		schema.Required("mint", schema.String()),
		schema.Required("solAmount", schema.String()),
		schema.Required("tokenAmount", schema.String()),
		schema.Required("isBuy", schema.Boolean()),
		schema.Required("trader", schema.String()),
	),
)

// The amount fields are optional for both swap types.
var raydiumTradeSchema = solanaBaseSchema.Extend(
	schema.Required("swapType", schema.Literal(string(SwapBaseIn), string(SwapBaseOut))),
	schema.Required("poolId", schema.String()),
	schema.Required("user", schema.String()),
	schema.Optional("amountIn", schema.String()),
	schema.Optional("minimumAmountOut", schema.String()),
	schema.Optional("maxAmountIn", schema.String()),
	schema.Optional("amountOut", schema.String()),
)
