package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"kaiacards/internal/kaiacards/data"
	"kaiacards/pkg/logging"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrNoRelevantEvent     = errors.New("no relevant transfer or purchase event in transaction")
)

const (
	transferEventSignature = "Transfer(address,address,uint256)"
	purchaseEventSignature = "GiftCardPurchased(bytes32,address,string,uint256,uint256)"
	balanceOfSelector      = "balanceOf(address)"
)

type Config struct {
	RPCURL             string
	TokenAddress       string
	TokenDecimals      int32
	MarketplaceAddress string
	RequestTimeout     time.Duration
}

// Client talks to a chain node over JSON-RPC. It only reads: head block,
// receipts, ERC-20 transfer logs, marketplace purchase logs and token
// balances.
type Client struct {
	http          *resty.Client
	cfg           Config
	logger        *logging.ZapLogger
	transferTopic string
	purchaseTopic string
}

func NewClient(cfg Config, logger *logging.ZapLogger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.RPCURL).
		SetTimeout(cfg.RequestTimeout)
	return &Client{
		http:          httpClient,
		cfg:           cfg,
		logger:        logger,
		transferTopic: eventTopic(transferEventSignature),
		purchaseTopic: eventTopic(purchaseEventSignature),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1}).
		Post("")
	if err != nil {
		return fmt.Errorf("rpc request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("unexpected status code %v", resp.StatusCode())
	}
	rpcResp := rpcResponse{}
	if err := json.Unmarshal(resp.Body(), &rpcResp); err != nil {
		return fmt.Errorf("error unmarshalling rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("error unmarshalling rpc result: %w", err)
	}
	return nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var hexNumber string
	if err := c.call(ctx, "eth_blockNumber", []any{}, &hexNumber); err != nil {
		return 0, err
	}
	return parseHexUint(hexNumber)
}

// ConfirmationsOf returns the confirmation depth of a transaction.
// Unknown or not yet mined transactions report zero confirmations.
func (c *Client) ConfirmationsOf(ctx context.Context, txHash string) (uint64, error) {
	receipt, err := c.receipt(ctx, txHash)
	if err != nil {
		switch {
		case errors.Is(err, ErrTransactionNotFound):
			return 0, nil
		default:
			return 0, err
		}
	}
	txBlock, err := parseHexUint(receipt.BlockNumber)
	if err != nil {
		return 0, err
	}
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if head < txBlock {
		return 0, nil
	}
	return head - txBlock + 1, nil
}

type rpcLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TransactionHash string   `json:"transactionHash"`
}

type rpcReceipt struct {
	Status      string   `json:"status"`
	BlockNumber string   `json:"blockNumber"`
	From        string   `json:"from"`
	Logs        []rpcLog `json:"logs"`
}

func (c *Client) receipt(ctx context.Context, txHash string) (*rpcReceipt, error) {
	var receipt *rpcReceipt
	if err := c.call(ctx, "eth_getTransactionReceipt", []any{txHash}, &receipt); err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, ErrTransactionNotFound
	}
	return receipt, nil
}

// TransferEvents returns token transfer events in the inclusive block range.
func (c *Client) TransferEvents(ctx context.Context, fromBlock, toBlock uint64) ([]data.LedgerEvent, error) {
	logs, err := c.getLogs(ctx, c.cfg.TokenAddress, c.transferTopic, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	events := make([]data.LedgerEvent, 0, len(logs))
	for _, log := range logs {
		event, err := c.parseTransferLog(log)
		if err != nil {
			c.logger.WarnCtx(ctx, "skipping malformed transfer log",
				zap.String("txHash", log.TransactionHash), zap.Error(err))
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// PurchaseEvents returns marketplace purchase events in the inclusive block range.
func (c *Client) PurchaseEvents(ctx context.Context, fromBlock, toBlock uint64) ([]data.LedgerEvent, error) {
	logs, err := c.getLogs(ctx, c.cfg.MarketplaceAddress, c.purchaseTopic, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	events := make([]data.LedgerEvent, 0, len(logs))
	for _, log := range logs {
		event, err := c.parsePurchaseLog(log)
		if err != nil {
			c.logger.WarnCtx(ctx, "skipping malformed purchase log",
				zap.String("txHash", log.TransactionHash), zap.Error(err))
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// TransactionEvent extracts the transfer or purchase event carried by a
// single transaction, used for on-demand verification of a reported payment.
func (c *Client) TransactionEvent(ctx context.Context, txHash string) (data.LedgerEvent, error) {
	receipt, err := c.receipt(ctx, txHash)
	if err != nil {
		return data.LedgerEvent{}, err
	}
	if receipt.Status != "0x1" {
		return data.LedgerEvent{}, fmt.Errorf("transaction %s reverted", txHash)
	}
	for _, log := range receipt.Logs {
		if len(log.Topics) == 0 {
			continue
		}
		log.TransactionHash = txHash
		switch {
		case strings.EqualFold(log.Address, c.cfg.TokenAddress) && log.Topics[0] == c.transferTopic:
			return c.parseTransferLog(log)
		case strings.EqualFold(log.Address, c.cfg.MarketplaceAddress) && log.Topics[0] == c.purchaseTopic:
			return c.parsePurchaseLog(log)
		}
	}
	return data.LedgerEvent{}, ErrNoRelevantEvent
}

// GetBalance returns the token balance of an address.
func (c *Client) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	callData := methodSelector(balanceOfSelector) + padAddress(address)
	var hexBalance string
	err := c.call(
		ctx,
		"eth_call",
		[]any{map[string]string{"to": c.cfg.TokenAddress, "data": callData}, "latest"},
		&hexBalance,
	)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return parseHexAmount(hexBalance, c.cfg.TokenDecimals)
}

func (c *Client) getLogs(
	ctx context.Context,
	address, topic string,
	fromBlock, toBlock uint64,
) ([]rpcLog, error) {
	filter := map[string]any{
		"address":   address,
		"topics":    []string{topic},
		"fromBlock": fmt.Sprintf("0x%x", fromBlock),
		"toBlock":   fmt.Sprintf("0x%x", toBlock),
	}
	var logs []rpcLog
	if err := c.call(ctx, "eth_getLogs", []any{filter}, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

func (c *Client) parseTransferLog(log rpcLog) (data.LedgerEvent, error) {
	if len(log.Topics) < 3 {
		return data.LedgerEvent{}, fmt.Errorf("transfer log has %d topics", len(log.Topics))
	}
	amount, err := parseHexAmount(log.Data, c.cfg.TokenDecimals)
	if err != nil {
		return data.LedgerEvent{}, err
	}
	blockNumber, err := parseHexUint(log.BlockNumber)
	if err != nil {
		return data.LedgerEvent{}, err
	}
	return data.LedgerEvent{
		TxHash:      log.TransactionHash,
		From:        topicAddress(log.Topics[1]),
		To:          topicAddress(log.Topics[2]),
		Amount:      amount,
		BlockNumber: blockNumber,
	}, nil
}

func (c *Client) parsePurchaseLog(log rpcLog) (data.LedgerEvent, error) {
	if len(log.Topics) < 4 {
		return data.LedgerEvent{}, fmt.Errorf("purchase log has %d topics", len(log.Topics))
	}
	// Event data carries two words: face amount, then token amount.
	words, err := dataWords(log.Data, 2)
	if err != nil {
		return data.LedgerEvent{}, err
	}
	amount, err := parseHexAmount(words[1], c.cfg.TokenDecimals)
	if err != nil {
		return data.LedgerEvent{}, err
	}
	blockNumber, err := parseHexUint(log.BlockNumber)
	if err != nil {
		return data.LedgerEvent{}, err
	}
	return data.LedgerEvent{
		TxHash:      log.TransactionHash,
		From:        topicAddress(log.Topics[2]),
		ShopKey:     log.Topics[3],
		Amount:      amount,
		BlockNumber: blockNumber,
	}, nil
}

func eventTopic(signature string) string {
	hash := sha3.NewLegacyKeccak256()
	hash.Write([]byte(signature))
	return "0x" + fmt.Sprintf("%x", hash.Sum(nil))
}

func methodSelector(signature string) string {
	hash := sha3.NewLegacyKeccak256()
	hash.Write([]byte(signature))
	return "0x" + fmt.Sprintf("%x", hash.Sum(nil)[:4])
}

func padAddress(address string) string {
	trimmed := strings.TrimPrefix(strings.ToLower(address), "0x")
	return strings.Repeat("0", 64-len(trimmed)) + trimmed
}

func topicAddress(topic string) string {
	trimmed := strings.TrimPrefix(topic, "0x")
	if len(trimmed) < 40 {
		return "0x" + trimmed
	}
	return "0x" + trimmed[len(trimmed)-40:]
}

func parseHexUint(hexValue string) (uint64, error) {
	value, ok := new(big.Int).SetString(strings.TrimPrefix(hexValue, "0x"), 16)
	if !ok {
		return 0, fmt.Errorf("invalid hex value %q", hexValue)
	}
	if !value.IsUint64() {
		return 0, fmt.Errorf("hex value %q out of range", hexValue)
	}
	return value.Uint64(), nil
}

func parseHexAmount(hexValue string, decimals int32) (decimal.Decimal, error) {
	value, ok := new(big.Int).SetString(strings.TrimPrefix(hexValue, "0x"), 16)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("invalid hex amount %q", hexValue)
	}
	return decimal.NewFromBigInt(value, -decimals), nil
}

func dataWords(hexData string, count int) ([]string, error) {
	trimmed := strings.TrimPrefix(hexData, "0x")
	if len(trimmed) < count*64 {
		return nil, fmt.Errorf("log data too short: %d chars", len(trimmed))
	}
	words := make([]string, count)
	for i := 0; i < count; i++ {
		words[i] = trimmed[i*64 : (i+1)*64]
	}
	return words, nil
}
