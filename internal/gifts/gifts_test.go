package gifts

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	tokenAddr     = "0x1111111111111111111111111111111111111111"
	playerAddr    = "0x2222222222222222222222222222222222222222"
	characterAddr = "0x3333333333333333333333333333333333333333"
)

func pad32(addr string) string {
	return "0x000000000000000000000000" + addr[2:]
}

func receiptServer(t *testing.T, result map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["method"] != "eth_getTransactionReceipt" {
			t.Errorf("unexpected method %v", req["method"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"result":  result,
		})
	}))
}

func validReceipt() map[string]any {
	return map[string]any{
		"status":      "0x1",
		"to":          tokenAddr,
		"blockNumber": "0x10",
		"logs": []map[string]any{
			{
				"address": tokenAddr,
				"topics":  []string{transferTopic, pad32(playerAddr), pad32(characterAddr)},
				// 5 tokens with 18 decimals.
				"data": "0x0000000000000000000000000000000000000000000000004563918244f40000",
			},
		},
	}
}

func TestVerifyGift(t *testing.T) {
	srv := receiptServer(t, validReceipt())
	defer srv.Close()

	v := NewVerifier(srv.URL, tokenAddr)
	gift, err := v.VerifyGift(context.Background(), "0xdead", playerAddr, characterAddr, big.NewInt(1))
	if err != nil {
		t.Fatalf("VerifyGift() error: %v", err)
	}

	want, _ := new(big.Int).SetString("4563918244f40000", 16)
	if gift.Amount.Cmp(want) != 0 {
		t.Errorf("unexpected amount: %s", gift.Amount)
	}
	if gift.Sender != playerAddr {
		t.Errorf("unexpected sender: %s", gift.Sender)
	}
	if gift.BlockNumber != 16 {
		t.Errorf("unexpected block number: %d", gift.BlockNumber)
	}
	if boost := gift.AffectionBoost(); boost != 5 {
		t.Errorf("5 tokens should boost 5, got %d", boost)
	}
}

func TestVerifyGiftRevertedTx(t *testing.T) {
	r := validReceipt()
	r["status"] = "0x0"
	srv := receiptServer(t, r)
	defer srv.Close()

	v := NewVerifier(srv.URL, tokenAddr)
	if _, err := v.VerifyGift(context.Background(), "0xdead", playerAddr, characterAddr, nil); !errors.Is(err, ErrInvalidGift) {
		t.Errorf("expected ErrInvalidGift, got %v", err)
	}
}

func TestVerifyGiftWrongContract(t *testing.T) {
	r := validReceipt()
	r["to"] = characterAddr
	srv := receiptServer(t, r)
	defer srv.Close()

	v := NewVerifier(srv.URL, tokenAddr)
	if _, err := v.VerifyGift(context.Background(), "0xdead", playerAddr, characterAddr, nil); !errors.Is(err, ErrInvalidGift) {
		t.Errorf("expected ErrInvalidGift, got %v", err)
	}
}

func TestVerifyGiftWrongSender(t *testing.T) {
	srv := receiptServer(t, validReceipt())
	defer srv.Close()

	v := NewVerifier(srv.URL, tokenAddr)
	if _, err := v.VerifyGift(context.Background(), "0xdead", characterAddr, characterAddr, nil); !errors.Is(err, ErrInvalidGift) {
		t.Errorf("expected ErrInvalidGift, got %v", err)
	}
}

func TestVerifyGiftAmountTooSmall(t *testing.T) {
	srv := receiptServer(t, validReceipt())
	defer srv.Close()

	huge, _ := new(big.Int).SetString("ffffffffffffffffffff", 16)
	v := NewVerifier(srv.URL, tokenAddr)
	if _, err := v.VerifyGift(context.Background(), "0xdead", playerAddr, characterAddr, huge); !errors.Is(err, ErrInvalidGift) {
		t.Errorf("expected ErrInvalidGift, got %v", err)
	}
}

func TestVerifyGiftNoTransferEvent(t *testing.T) {
	r := validReceipt()
	r["logs"] = []map[string]any{}
	srv := receiptServer(t, r)
	defer srv.Close()

	v := NewVerifier(srv.URL, tokenAddr)
	if _, err := v.VerifyGift(context.Background(), "0xdead", playerAddr, characterAddr, nil); !errors.Is(err, ErrInvalidGift) {
		t.Errorf("expected ErrInvalidGift, got %v", err)
	}
}

func TestAffectionBoostBounds(t *testing.T) {
	small := &Gift{Amount: big.NewInt(1)} // far below one token
	if got := small.AffectionBoost(); got != 1 {
		t.Errorf("dust gift should boost 1, got %d", got)
	}

	huge := &Gift{Amount: new(big.Int).Mul(big.NewInt(10000), tokenUnit)}
	if got := huge.AffectionBoost(); got != maxAffectionBoost {
		t.Errorf("huge gift should cap at %d, got %d", maxAffectionBoost, got)
	}
}
