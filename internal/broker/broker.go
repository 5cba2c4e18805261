// Package broker provides broker integration interfaces and implementations.
package broker

import (
	"context"

	"autotrader/internal/models"
)

// Broker defines the interface for broker operations. Implementations must
// be safe for concurrent use.
type Broker interface {
	// Market data
	GetQuote(ctx context.Context, symbol string) (*models.Quote, error)
	IsMarketOpen(ctx context.Context) (bool, error)

	// Orders
	SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	GetOpenOrders(ctx context.Context) ([]models.Order, error)

	// Account
	GetAccount(ctx context.Context) (*models.Account, error)
	GetPositions(ctx context.Context) ([]models.Position, error)
}
