package traits

import (
	"bytes"
	"context"
	"encoding/hex"
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

// Selector for getCharacter(uint256) on the CharacterNFT contract.
const getCharacterSelector = "dabb0531"

// NFTClient fetches character attributes from the CharacterNFT contract
// over plain JSON-RPC eth_call.
type NFTClient struct {
	rpcURL     string
	nftAddress string
	httpClient *http.Client
}

// NewNFTClient creates a character source backed by an Ethereum RPC node.
func NewNFTClient(rpcURL, nftAddress string) *NFTClient {
	return &NFTClient{
		rpcURL:     rpcURL,
		nftAddress: strings.ToLower(nftAddress),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GetCharacter calls getCharacter(tokenId) and decodes the returned tuple.
func (c *NFTClient) GetCharacter(ctx context.Context, tokenID uint64) (*Character, error) {
	data := getCharacterSelector + fmt.Sprintf("%064x", tokenID)

	raw, err := c.ethCall(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("getCharacter token %d: %w", tokenID, err)
	}

	char, err := decodeCharacter(raw)
	if err != nil {
		return nil, fmt.Errorf("decode character %d: %w", tokenID, err)
	}

	log.Debug().
		Uint64("token_id", tokenID).
		Str("name", char.Name).
		Msg("fetched character from chain")

	return char, nil
}

func (c *NFTClient) ethCall(ctx context.Context, calldata string) ([]byte, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "eth_call",
		Params: []any{
			map[string]string{
				"to":   c.nftAddress,
				"data": "0x" + strings.TrimPrefix(calldata, "0x"),
			},
			"latest",
		},
		ID: 1,
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rpc call: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rpc response: %w", err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var hexResult string
	if err := json.Unmarshal(resp.Result, &hexResult); err != nil {
		return nil, fmt.Errorf("decode rpc result: %w", err)
	}

	return hex.DecodeString(strings.TrimPrefix(hexResult, "0x"))
}

// decodeCharacter unpacks the ABI-encoded Character tuple:
// (string name, uint32 birthTimestamp, uint8 gender, uint8 orientation,
// uint8 occupationId, uint8 personalityId, uint8 language,
// uint256 mintedAt, bool isBonded, bytes32 secret).
func decodeCharacter(raw []byte) (*Character, error) {
	// The tuple contains a dynamic string, so the return data starts
	// with a 32-byte offset to the tuple body.
	if len(raw) < 32 {
		return nil, errors.New("return data too short")
	}
	tupleOff := word(raw, 0).Uint64()
	if tupleOff+10*32 > uint64(len(raw)) {
		return nil, errors.New("truncated tuple")
	}
	tuple := raw[tupleOff:]

	nameOff := word(tuple, 0).Uint64()
	if nameOff+32 > uint64(len(tuple)) {
		return nil, errors.New("truncated name offset")
	}
	nameLen := word(tuple, int(nameOff)).Uint64()
	nameStart := nameOff + 32
	if nameStart+nameLen > uint64(len(tuple)) {
		return nil, errors.New("truncated name data")
	}

	birthTimestamp := uint32(word(tuple, 32).Uint64())
	secret := tuple[9*32 : 10*32]

	return &Character{
		Name:              string(tuple[nameStart : nameStart+nameLen]),
		BirthYear:         1970 + int(birthTimestamp)/31536000,
		BirthTimestamp:    birthTimestamp,
		Gender:            uint8(word(tuple, 2*32).Uint64()),
		SexualOrientation: uint8(word(tuple, 3*32).Uint64()),
		OccupationID:      uint8(word(tuple, 4*32).Uint64()),
		PersonalityID:     uint8(word(tuple, 5*32).Uint64()),
		Language:          uint8(word(tuple, 6*32).Uint64()),
		MintedAt:          word(tuple, 7*32).Uint64(),
		IsBonded:          word(tuple, 8*32).Sign() != 0,
		Secret:            hex.EncodeToString(secret),
	}, nil
}

func word(data []byte, off int) *big.Int {
	return new(big.Int).SetBytes(data[off : off+32])
}
