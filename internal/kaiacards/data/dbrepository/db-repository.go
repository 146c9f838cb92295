package dbrepository

import (
	"context"
	_ "embed"
	"errors"

	"kaiacards/internal/kaiacards/data"
	"kaiacards/pkg/logging"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type DBStorage interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, query string, args ...any) (pgx.Row, error)
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
	QueryValue(ctx context.Context, query string, args []any, dest []any) error
}

type DBRepository struct {
	storage DBStorage
	logger  *logging.ZapLogger
}

func New(storage DBStorage, logger *logging.ZapLogger) *DBRepository {
	return &DBRepository{
		storage: storage,
		logger:  logger,
	}
}

//go:embed sql/select_pending_orders.sql
var selectPendingOrdersQuery string

func (db *DBRepository) ListPendingOrders(ctx context.Context) ([]data.Order, error) {
	rows, err := db.storage.Query(ctx, selectPendingOrdersQuery)
	if err != nil {
		return nil, handleSQLError(err)
	}
	defer rows.Close()

	result := make([]data.Order, 0)
	for rows.Next() {
		var order data.Order
		err := rows.Scan(
			&order.ID,
			&order.BrandID,
			&order.ProductID,
			&order.SKU,
			&order.Provider,
			&order.FaceValue,
			&order.ExpectedAmount,
			&order.PaymentAddress,
			&order.ShopKey,
			&order.RecipientRef,
			&order.Status,
			&order.CreatedAt,
			&order.ExpiresAt,
		)
		if err != nil {
			return nil, handleSQLError(err)
		}
		result = append(result, order)
	}
	if err := rows.Err(); err != nil {
		return nil, handleSQLError(err)
	}
	return result, nil
}

//go:embed sql/select_order.sql
var selectOrderQuery string

func (db *DBRepository) GetOrder(ctx context.Context, orderID string) (data.Order, error) {
	db.logger.DebugCtx(ctx, "getting order", zap.String("orderID", orderID))
	order := data.Order{}
	err := db.storage.QueryValue(ctx, selectOrderQuery, []any{orderID}, []any{
		&order.ID,
		&order.BrandID,
		&order.ProductID,
		&order.SKU,
		&order.Provider,
		&order.FaceValue,
		&order.ExpectedAmount,
		&order.PaymentAddress,
		&order.ShopKey,
		&order.RecipientRef,
		&order.Status,
		&order.TxHash,
		&order.ProviderOrderID,
		&order.CardCode,
		&order.CardPIN,
		&order.RedemptionURL,
		&order.ErrorMessage,
		&order.FulfillmentHash,
		&order.CreatedAt,
		&order.ExpiresAt,
		&order.PaidAt,
		&order.DeliveredAt,
	})
	if err != nil {
		return data.Order{}, handleSQLError(err)
	}
	return order, nil
}

//go:embed sql/update_order_paid.sql
var updateOrderPaidQuery string

// MarkPaid performs the guarded pending -> paid transition. It returns
// data.ErrStatusConflict when the order is no longer pending, so concurrent
// matches of the same order collapse to a single effective transition.
func (db *DBRepository) MarkPaid(ctx context.Context, orderID, txHash, payerAddress string) error {
	return db.guardedUpdate(ctx, updateOrderPaidQuery, orderID, txHash, payerAddress)
}

//go:embed sql/update_order_processing.sql
var updateOrderProcessingQuery string

func (db *DBRepository) MarkProcessing(ctx context.Context, orderID string) error {
	return db.guardedUpdate(ctx, updateOrderProcessingQuery, orderID)
}

//go:embed sql/update_order_delivered.sql
var updateOrderDeliveredQuery string

func (db *DBRepository) MarkDelivered(
	ctx context.Context,
	orderID, cardCode, cardPIN, redemptionURL, fulfillmentHash string,
) error {
	return db.guardedUpdate(ctx, updateOrderDeliveredQuery, orderID, cardCode, cardPIN, redemptionURL, fulfillmentHash)
}

//go:embed sql/update_order_failed.sql
var updateOrderFailedQuery string

func (db *DBRepository) MarkFulfillmentFailed(ctx context.Context, orderID, message string) error {
	return db.guardedUpdate(ctx, updateOrderFailedQuery, orderID, message)
}

//go:embed sql/update_order_expired.sql
var updateOrderExpiredQuery string

func (db *DBRepository) MarkExpired(ctx context.Context, orderID string) error {
	return db.guardedUpdate(ctx, updateOrderExpiredQuery, orderID)
}

//go:embed sql/update_order_provider_ref.sql
var updateOrderProviderRefQuery string

func (db *DBRepository) SetProviderOrderID(ctx context.Context, orderID, providerOrderID string) error {
	_, err := db.storage.Exec(ctx, updateOrderProviderRefQuery, orderID, providerOrderID)
	if err != nil {
		return handleSQLError(err)
	}
	return nil
}

//go:embed sql/insert_transaction.sql
var insertTransactionQuery string

// AppendTransactionLog records an observed transaction. A tx hash is written
// at most once; replays return data.ErrDuplicateTransaction.
func (db *DBRepository) AppendTransactionLog(ctx context.Context, event data.LedgerEvent, status string) error {
	to := event.To
	if to == "" {
		to = event.ShopKey
	}
	tag, err := db.storage.Exec(
		ctx,
		insertTransactionQuery,
		event.TxHash,
		event.From,
		to,
		event.Amount,
		event.BlockNumber,
		status,
	)
	if err != nil {
		return handleSQLError(err)
	}
	if tag.RowsAffected() == 0 {
		return data.ErrDuplicateTransaction
	}
	return nil
}

//go:embed sql/update_stock_decrement.sql
var updateStockDecrementQuery string

func (db *DBRepository) DecrementStock(ctx context.Context, productID string) error {
	tag, err := db.storage.Exec(ctx, updateStockDecrementQuery, productID)
	if err != nil {
		return handleSQLError(err)
	}
	if tag.RowsAffected() == 0 {
		return data.ErrNoCardsAvailable
	}
	return nil
}

//go:embed sql/update_stock_restore.sql
var updateStockRestoreQuery string

func (db *DBRepository) RestoreStock(ctx context.Context, productID string) error {
	_, err := db.storage.Exec(ctx, updateStockRestoreQuery, productID)
	if err != nil {
		return handleSQLError(err)
	}
	return nil
}

//go:embed sql/claim_inventory_card.sql
var claimInventoryCardQuery string

//go:embed sql/select_inventory_card_by_order.sql
var selectInventoryCardByOrderQuery string

// ClaimInventoryCard atomically marks one available pre-provisioned code as
// sold to the order and returns it. A repeated claim for the same order
// returns the already-sold card instead of taking another one.
func (db *DBRepository) ClaimInventoryCard(ctx context.Context, productID, orderID string) (data.InventoryCard, error) {
	card := data.InventoryCard{}
	err := db.storage.QueryValue(
		ctx,
		selectInventoryCardByOrderQuery,
		[]any{orderID},
		[]any{&card.ID, &card.Code, &card.PIN},
	)
	if err == nil {
		return card, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return data.InventoryCard{}, handleSQLError(err)
	}
	err = db.storage.QueryValue(
		ctx,
		claimInventoryCardQuery,
		[]any{productID, orderID},
		[]any{&card.ID, &card.Code, &card.PIN},
	)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return data.InventoryCard{}, data.ErrNoCardsAvailable
		default:
			return data.InventoryCard{}, handleSQLError(err)
		}
	}
	return card, nil
}

//go:embed sql/select_expired_pending.sql
var selectExpiredPendingQuery string

func (db *DBRepository) ListExpiredPending(ctx context.Context) (orderIDs, productIDs []string, err error) {
	rows, err := db.storage.Query(ctx, selectExpiredPendingQuery)
	if err != nil {
		return nil, nil, handleSQLError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var orderID, productID string
		if err := rows.Scan(&orderID, &productID); err != nil {
			return nil, nil, handleSQLError(err)
		}
		orderIDs = append(orderIDs, orderID)
		productIDs = append(productIDs, productID)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, handleSQLError(err)
	}
	return orderIDs, productIDs, nil
}

//go:embed sql/select_processing_orders.sql
var selectProcessingOrdersQuery string

// ListInFlightOrders returns orders that were confirmed but not yet resolved,
// used to resume fulfillment after a restart.
func (db *DBRepository) ListInFlightOrders(ctx context.Context) ([]data.Order, error) {
	rows, err := db.storage.Query(ctx, selectProcessingOrdersQuery)
	if err != nil {
		return nil, handleSQLError(err)
	}
	defer rows.Close()

	result := make([]data.Order, 0)
	for rows.Next() {
		var order data.Order
		var amount decimal.Decimal
		if err := rows.Scan(&order.ID, &order.TxHash, &amount); err != nil {
			return nil, handleSQLError(err)
		}
		order.ExpectedAmount = amount
		result = append(result, order)
	}
	if err := rows.Err(); err != nil {
		return nil, handleSQLError(err)
	}
	return result, nil
}

func (db *DBRepository) guardedUpdate(ctx context.Context, query string, args ...any) error {
	tag, err := db.storage.Exec(ctx, query, args...)
	if err != nil {
		return handleSQLError(err)
	}
	if tag.RowsAffected() == 0 {
		return data.ErrStatusConflict
	}
	return nil
}

func handleSQLError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return data.ErrOrderNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			return data.ErrUniqueConstraintViolation
		}
	}
	return err
}
