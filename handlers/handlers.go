// Package handlers holds the consumer handlers for each queue. They log the
// validated payload; downstream storage plugs in here.
package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/kinsyu/messaging"
	"github.com/kinsyu/messaging/queues"
)

type Handlers struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{logger: logger}
}

func (h *Handlers) UniswapV2Swap(ctx context.Context, s queues.UniswapV2Swap, msg *messaging.Message) error {
	h.logger.Info("uniswap v2 swap",
		zap.String("message_id", msg.MessageID),
		zap.String("id", s.ID),
		zap.String("pair", s.Pair),
		zap.String("sender", s.Sender),
		zap.String("to", s.To),
		zap.Int64("chain_id", s.ChainID),
		zap.Int64("block_number", s.BlockNumber),
		zap.Int64("timestamp", s.Timestamp),
		zap.String("amount0_in", s.Amount0In),
		zap.String("amount1_in", s.Amount1In),
		zap.String("amount0_out", s.Amount0Out),
		zap.String("amount1_out", s.Amount1Out),
	)
	return nil
}

func (h *Handlers) PumpfunTrade(ctx context.Context, t queues.PumpfunTrade, msg *messaging.Message) error {
	h.logger.Info("pumpfun trade",
		zap.String("message_id", msg.MessageID),
		zap.String("signature", t.Signature),
		zap.Uint64("slot", t.Slot),
		zap.String("mint", t.Mint),
		zap.String("trader", t.Trader),
		zap.String("sol_amount", t.SolAmount),
		zap.String("token_amount", t.TokenAmount),
		zap.Bool("is_buy", t.IsBuy),
	)
	return nil
}

// RaydiumTrade logs the amounts that belong to the trade's swap type.
func (h *Handlers) RaydiumTrade(ctx context.Context, t queues.RaydiumTrade, msg *messaging.Message) error {
	fields := []zap.Field{
		zap.String("message_id", msg.MessageID),
		zap.String("signature", t.Signature),
		zap.Uint64("slot", t.Slot),
		zap.String("pool_id", t.PoolID),
		zap.String("user", t.User),
		zap.String("swap_type", string(t.SwapType)),
	}
	switch t.SwapType {
	case queues.SwapBaseIn:
		fields = append(fields, optional("amount_in", t.AmountIn), optional("minimum_amount_out", t.MinimumAmountOut))
	case queues.SwapBaseOut:
		fields = append(fields, optional("max_amount_in", t.MaxAmountIn), optional("amount_out", t.AmountOut))
	}
	h.logger.Info("raydium trade", fields...)
	return nil
}

func optional(key string, v *string) zap.Field {
	if v == nil {
		return zap.Skip()
	}
	return zap.String(key, *v)
}
