// Package gifts verifies LOVE token gift transactions on-chain and
// turns them into bounded affection boosts.
package gifts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ERC20 Transfer(address,address,uint256) event signature.
const transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// ErrInvalidGift is returned when a transaction fails verification.
var ErrInvalidGift = errors.New("gift verification failed")

const (
	receiptRetries    = 3
	receiptRetryDelay = time.Second
	maxAffectionBoost = 50
)

var tokenUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Gift is a verified LOVE token transfer.
type Gift struct {
	Amount      *big.Int
	Sender      string
	Recipient   string
	BlockNumber uint64
	TxHash      string
}

// AffectionBoost converts the gifted amount into an affection delta:
// one point per whole token, at least 1, at most 50.
func (g *Gift) AffectionBoost() int {
	tokens := new(big.Int).Div(g.Amount, tokenUnit)
	if !tokens.IsInt64() || tokens.Int64() > maxAffectionBoost {
		return maxAffectionBoost
	}
	if tokens.Int64() < 1 {
		return 1
	}
	return int(tokens.Int64())
}

// Verifier checks gift transactions against the LOVE token contract.
type Verifier struct {
	rpcURL       string
	tokenAddress string
	httpClient   *http.Client
}

// NewVerifier creates a gift verifier for the given token contract.
func NewVerifier(rpcURL, tokenAddress string) *Verifier {
	return &Verifier{
		rpcURL:       rpcURL,
		tokenAddress: strings.ToLower(tokenAddress),
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

type receipt struct {
	Status      string     `json:"status"`
	To          string     `json:"to"`
	BlockNumber string     `json:"blockNumber"`
	Logs        []eventLog `json:"logs"`
}

type eventLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// VerifyGift confirms that the transaction is a successful LOVE token
// transfer from the player to the character wallet for at least the
// minimum amount. Any mismatch yields ErrInvalidGift.
func (v *Verifier) VerifyGift(ctx context.Context, txHash, expectedSender, expectedRecipient string, minAmount *big.Int) (*Gift, error) {
	rcpt, err := v.fetchReceipt(ctx, txHash)
	if err != nil {
		return nil, err
	}

	if rcpt.Status != "0x1" {
		return nil, fmt.Errorf("%w: transaction reverted", ErrInvalidGift)
	}
	if !strings.EqualFold(rcpt.To, v.tokenAddress) {
		return nil, fmt.Errorf("%w: transaction not sent to token contract", ErrInvalidGift)
	}

	var transfer *eventLog
	for i := range rcpt.Logs {
		if len(rcpt.Logs[i].Topics) == 3 && strings.EqualFold(rcpt.Logs[i].Topics[0], transferTopic) {
			transfer = &rcpt.Logs[i]
			break
		}
	}
	if transfer == nil {
		return nil, fmt.Errorf("%w: no transfer event in receipt", ErrInvalidGift)
	}

	sender := topicAddress(transfer.Topics[1])
	recipient := topicAddress(transfer.Topics[2])
	amount, ok := new(big.Int).SetString(strings.TrimPrefix(transfer.Data, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("%w: malformed transfer amount", ErrInvalidGift)
	}

	if !strings.EqualFold(sender, expectedSender) {
		return nil, fmt.Errorf("%w: wrong sender %s", ErrInvalidGift, sender)
	}
	if !strings.EqualFold(recipient, expectedRecipient) {
		return nil, fmt.Errorf("%w: wrong recipient %s", ErrInvalidGift, recipient)
	}
	if minAmount != nil && amount.Cmp(minAmount) < 0 {
		return nil, fmt.Errorf("%w: amount below minimum", ErrInvalidGift)
	}

	blockNumber := uint64(0)
	if n, ok := new(big.Int).SetString(strings.TrimPrefix(rcpt.BlockNumber, "0x"), 16); ok {
		blockNumber = n.Uint64()
	}

	gift := &Gift{
		Amount:      amount,
		Sender:      strings.ToLower(sender),
		Recipient:   strings.ToLower(recipient),
		BlockNumber: blockNumber,
		TxHash:      txHash,
	}

	log.Info().
		Str("tx_hash", txHash).
		Str("amount", amount.String()).
		Uint64("block", blockNumber).
		Msg("gift verified")

	return gift, nil
}

// fetchReceipt retries a few times since freshly-mined transactions can
// lag behind the RPC node.
func (v *Verifier) fetchReceipt(ctx context.Context, txHash string) (*receipt, error) {
	var lastErr error
	for attempt := 0; attempt < receiptRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(receiptRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		rcpt, err := v.requestReceipt(ctx, txHash)
		if err == nil && rcpt != nil {
			return rcpt, nil
		}
		lastErr = err
		log.Debug().
			Str("tx_hash", txHash).
			Int("attempt", attempt+1).
			Msg("receipt not yet available")
	}
	if lastErr != nil {
		return nil, fmt.Errorf("fetch receipt: %w", lastErr)
	}
	return nil, fmt.Errorf("%w: no receipt after %d attempts", ErrInvalidGift, receiptRetries)
}

func (v *Verifier) requestReceipt(ctx context.Context, txHash string) (*receipt, error) {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "eth_getTransactionReceipt",
		"params":  []any{txHash},
		"id":      1,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rpc response: %w", err)
	}

	var rpcResp struct {
		Result *receipt `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// topicAddress extracts the address from a 32-byte indexed topic.
func topicAddress(topic string) string {
	topic = strings.TrimPrefix(topic, "0x")
	if len(topic) < 40 {
		return "0x" + topic
	}
	return "0x" + topic[len(topic)-40:]
}
