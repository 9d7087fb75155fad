package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	diagmcp "github.com/HyphaGroup/diagd/internal/mcp"
)

const callTimeout = 30 * time.Second

// callerTransport stamps every request with the caller name.
type callerTransport struct {
	caller string
	base   http.RoundTripper
}

func (t *callerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set(diagmcp.CallerHeader, t.caller)
	return t.base.RoundTrip(req)
}

// call runs one tool on the server and returns the text of its result.
func call(cmd *cobra.Command, tool string, args map[string]any) (string, error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{Name: "diagctl", Version: Version}, nil)
	transport := &mcp.StreamableClientTransport{
		Endpoint: opts.server,
		HTTPClient: &http.Client{
			Transport: &callerTransport{caller: opts.caller, base: http.DefaultTransport},
		},
	}
	cs, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", opts.server, err)
	}
	defer func() { _ = cs.Close() }()

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", err
	}
	text := resultText(res)
	if res.IsError {
		return "", errors.New(text)
	}
	return text, nil
}

// callSession runs the session tool and decodes a JSON result into out.
func callSession(cmd *cobra.Command, args map[string]any, out any) error {
	raw, err := call(cmd, "session", args)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("unexpected response %q: %w", raw, err)
	}
	return nil
}

func resultText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if t, ok := c.(*mcp.TextContent); ok {
			return t.Text
		}
	}
	return ""
}
