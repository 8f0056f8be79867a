package subagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxRPCResponse bounds how much of a parent response a worker reads.
const maxRPCResponse = 10 << 20

// RPCClient is a worker's only path to parent capabilities. Every call
// is an authenticated POST to /rpc/{method} on the parent gateway; the
// token is minted per spawn and revoked when the worker ends.
type RPCClient struct {
	base  string
	token string
	http  *http.Client
}

func NewRPCClient(base, token string) *RPCClient {
	return &RPCClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		// Shell commands tie up the request for their full runtime.
		http: &http.Client{Timeout: 120 * time.Second},
	}
}

// Call invokes one RPC method. The parent answers every accepted call
// with a JSON object; tool-level failures travel inside it under
// "error" and are not Go errors here.
func (c *RPCClient) Call(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("rpc %s: encode params: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/rpc/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rpc %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRPCResponse))
	if err != nil {
		return nil, fmt.Errorf("rpc %s: read response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc %s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("rpc %s: decode response: %w", method, err)
	}
	return out, nil
}
