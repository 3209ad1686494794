package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via CUSTOS_RPC_URL or --rpc flag
var rpcAuthToken = os.Getenv("CUSTOS_RPC_TOKEN")

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

var nodeRPCCall = callRPC

func main() {
	args := os.Args[1:]
	var err error
	rpcEndpoint = defaultRPCEndpoint()
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	var code int
	switch args[0] {
	case "balance":
		code = runBalanceCommand(args[1:], os.Stdout, os.Stderr)
	case "head":
		code = runHeadCommand(args[1:], os.Stdout, os.Stderr)
	case "events":
		code = runEventsCommand(args[1:], os.Stdout, os.Stderr)
	case "escrow":
		code = runEscrowCommand(args[1:], os.Stdout, os.Stderr)
	case "admin":
		code = runAdminCommand(args[1:], os.Stdout, os.Stderr)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage()
		code = 1
	}
	if code != 0 {
		os.Exit(code)
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("CUSTOS_RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func runBalanceCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(stderr, "Error: balance requires an address argument")
		return 1
	}
	params := map[string]interface{}{"address": strings.TrimSpace(args[0])}
	result, rpcErr, err := nodeRPCCall("custos_getBalance", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runHeadCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	result, rpcErr, err := nodeRPCCall("custos_getHead", nil, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEventsCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: custos-cli events [--cursor <cursor>] [--limit <n>]")
	}
	var (
		cursor string
		limit  int
	)
	fs.StringVar(&cursor, "cursor", "", "resume after this journal cursor")
	fs.IntVar(&limit, "limit", 0, "maximum entries to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if limit < 0 {
		return printEscrowError(stderr, "--limit must not be negative")
	}
	fields := map[string]interface{}{}
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		fields["cursor"] = trimmed
	}
	if limit > 0 {
		fields["limit"] = limit
	}
	var params interface{}
	if len(fields) > 0 {
		params = fields
	}
	result, rpcErr, err := nodeRPCCall("events_since", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func callRPC(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"id":     1,
		"method": method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}

func doRPCRequest(payload []byte, requireAuth bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if requireAuth {
		if rpcAuthToken == "" {
			return nil, fmt.Errorf("privileged RPC call requires CUSTOS_RPC_TOKEN to be set")
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	return resp, nil
}

func printUsage() {
	fmt.Println("Usage: custos-cli [--rpc <url>] <command> [arguments]")
	fmt.Println()
	fmt.Println("The endpoint defaults to http://localhost:8080 and can be overridden with")
	fmt.Println("CUSTOS_RPC_URL or --rpc. Privileged calls require CUSTOS_RPC_TOKEN.")
	fmt.Println("Commands:")
	fmt.Println("  balance <address>  - Shows the ledger balance of an account")
	fmt.Println("  head               - Shows the current state head and tick")
	fmt.Println("  events             - Lists journal entries from an optional cursor")
	fmt.Println("  escrow             - Escrow lifecycle subcommands")
	fmt.Println("  admin              - Arbitrator and fee administration subcommands")
}
