package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kaiacards/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

const (
	testTokenAddress = "0x1111111111111111111111111111111111111111"
	testBuyer        = "0x2222222222222222222222222222222222222222"
	testReceiver     = "0x3333333333333333333333333333333333333333"
)

type rpcHandler func(params []json.RawMessage) (any, error)

func newRPCServer(t *testing.T, handlers map[string]rpcHandler) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
			ID     int               `json:"id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))

		handler, ok := handlers[request.Method]
		require.True(t, ok, "unexpected rpc method %s", request.Method)

		result, err := handler(request.Params)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			fmt.Fprintf(w, `{"id":%d,"error":{"code":-32000,"message":%q}}`, request.ID, err.Error())
			return
		}
		raw, marshalErr := json.Marshal(result)
		require.NoError(t, marshalErr)
		fmt.Fprintf(w, `{"id":%d,"result":%s}`, request.ID, raw)
	}))
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	logger, err := logging.NewZapLogger(zapcore.ErrorLevel)
	require.NoError(t, err)
	return NewClient(Config{
		RPCURL:             baseURL,
		TokenAddress:       testTokenAddress,
		TokenDecimals:      6,
		MarketplaceAddress: "0x4444444444444444444444444444444444444444",
		RequestTimeout:     time.Second,
	}, logger)
}

func transferLog(txHash string, blockNumber uint64, rawAmount uint64) rpcLog {
	return rpcLog{
		Address: testTokenAddress,
		Topics: []string{
			eventTopic(transferEventSignature),
			"0x" + padAddress(testBuyer),
			"0x" + padAddress(testReceiver),
		},
		Data:            fmt.Sprintf("0x%064x", rawAmount),
		BlockNumber:     fmt.Sprintf("0x%x", blockNumber),
		TransactionHash: txHash,
	}
}

func TestBlockNumber(t *testing.T) {
	server := newRPCServer(t, map[string]rpcHandler{
		"eth_blockNumber": func([]json.RawMessage) (any, error) {
			return "0x64", nil
		},
	})
	defer server.Close()

	head, err := newTestClient(t, server.URL).BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), head)
}

func TestConfirmationsOf(t *testing.T) {
	server := newRPCServer(t, map[string]rpcHandler{
		"eth_blockNumber": func([]json.RawMessage) (any, error) {
			return "0x64", nil
		},
		"eth_getTransactionReceipt": func(params []json.RawMessage) (any, error) {
			var txHash string
			if err := json.Unmarshal(params[0], &txHash); err != nil {
				return nil, err
			}
			if txHash != "0xtx" {
				return nil, nil
			}
			return rpcReceipt{Status: "0x1", BlockNumber: "0x60"}, nil
		},
	})
	defer server.Close()

	client := newTestClient(t, server.URL)

	confirmations, err := client.ConfirmationsOf(context.Background(), "0xtx")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), confirmations)

	confirmations, err = client.ConfirmationsOf(context.Background(), "0xunknown")
	require.NoError(t, err)
	assert.Zero(t, confirmations)
}

func TestTransferEvents(t *testing.T) {
	server := newRPCServer(t, map[string]rpcHandler{
		"eth_getLogs": func([]json.RawMessage) (any, error) {
			return []rpcLog{transferLog("0xtx", 96, 99_950_000)}, nil
		},
	})
	defer server.Close()

	events, err := newTestClient(t, server.URL).TransferEvents(context.Background(), 90, 100)
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, "0xtx", events[0].TxHash)
	assert.Equal(t, testBuyer, events[0].From)
	assert.Equal(t, testReceiver, events[0].To)
	assert.Equal(t, "99.95", events[0].Amount.String())
	assert.Equal(t, uint64(96), events[0].BlockNumber)
}

func TestTransactionEvent(t *testing.T) {
	server := newRPCServer(t, map[string]rpcHandler{
		"eth_getTransactionReceipt": func(params []json.RawMessage) (any, error) {
			var txHash string
			if err := json.Unmarshal(params[0], &txHash); err != nil {
				return nil, err
			}
			switch txHash {
			case "0xtx":
				return rpcReceipt{
					Status:      "0x1",
					BlockNumber: "0x60",
					From:        testBuyer,
					Logs:        []rpcLog{transferLog("0xtx", 96, 100_000_000)},
				}, nil
			case "0xreverted":
				return rpcReceipt{Status: "0x0", BlockNumber: "0x60"}, nil
			default:
				return nil, nil
			}
		},
	})
	defer server.Close()

	client := newTestClient(t, server.URL)

	event, err := client.TransactionEvent(context.Background(), "0xtx")
	require.NoError(t, err)
	assert.Equal(t, testReceiver, event.To)
	assert.Equal(t, "100", event.Amount.String())

	_, err = client.TransactionEvent(context.Background(), "0xreverted")
	assert.Error(t, err)

	_, err = client.TransactionEvent(context.Background(), "0xunknown")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestGetBalance(t *testing.T) {
	server := newRPCServer(t, map[string]rpcHandler{
		"eth_call": func(params []json.RawMessage) (any, error) {
			var call map[string]string
			if err := json.Unmarshal(params[0], &call); err != nil {
				return nil, err
			}
			if call["to"] != testTokenAddress {
				return nil, fmt.Errorf("unexpected call target %s", call["to"])
			}
			return fmt.Sprintf("0x%x", 250_000_000), nil
		},
	})
	defer server.Close()

	balance, err := newTestClient(t, server.URL).GetBalance(context.Background(), testReceiver)
	require.NoError(t, err)
	assert.Equal(t, "250", balance.String())
}

func TestTopicAddress(t *testing.T) {
	tests := []struct {
		name     string
		topic    string
		expected string
	}{
		{
			name:     "padded topic",
			topic:    "0x" + padAddress(testBuyer),
			expected: testBuyer,
		},
		{
			name:     "short topic",
			topic:    "0xabc",
			expected: "0xabc",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, topicAddress(test.topic))
		})
	}
}
