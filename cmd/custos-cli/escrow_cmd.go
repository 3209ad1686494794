package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxEvidenceBytes mirrors the engine's per-party evidence cap so obviously
// oversized payloads are rejected before the RPC round trip.
const maxEvidenceBytes = 1024

var escrowRPCCall = callRPC

func runEscrowCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}

	switch args[0] {
	case "create":
		return runEscrowCreate(args[1:], stdout, stderr)
	case "get":
		return runEscrowGet(args[1:], stdout, stderr)
	case "confirm":
		return runEscrowTransition("escrow confirm", "escrow_confirmDelivery", args[1:], stdout, stderr)
	case "release":
		return runEscrowTransition("escrow release", "escrow_release", args[1:], stdout, stderr)
	case "claim":
		return runEscrowTransition("escrow claim", "escrow_claimExpired", args[1:], stdout, stderr)
	case "dispute":
		return runEscrowDispute(args[1:], stdout, stderr)
	case "evidence":
		return runEscrowEvidence(args[1:], stdout, stderr)
	case "resolve":
		return runEscrowResolve(args[1:], stdout, stderr)
	case "list":
		return runEscrowList(args[1:], stdout, stderr)
	case "events":
		return runEscrowEvents(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown escrow subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}
}

func runEscrowCreate(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow create", stderr)
	var (
		buyer     string
		seller    string
		amountStr string
	)
	fs.StringVar(&buyer, "buyer", "", "buyer bech32 address")
	fs.StringVar(&seller, "seller", "", "seller bech32 address")
	fs.StringVar(&amountStr, "amount", "", "escrow amount (supports 100e18 shorthand)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if buyer == "" {
		return printEscrowError(stderr, "--buyer is required")
	}
	if seller == "" {
		return printEscrowError(stderr, "--seller is required")
	}
	if amountStr == "" {
		return printEscrowError(stderr, "--amount is required")
	}
	normalizedAmount, err := normalizeAmount("--amount", amountStr)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}

	params := map[string]interface{}{
		"buyer":  buyer,
		"seller": seller,
		"amount": normalizedAmount,
	}
	result, rpcErr, err := escrowRPCCall("escrow_create", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowGet(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow get", stderr)
	var idStr string
	fs.StringVar(&idStr, "id", "", "transaction identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	id, err := parseEscrowID(idStr)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	params := map[string]interface{}{"id": id}
	result, rpcErr, err := escrowRPCCall("escrow_get", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowDispute(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow dispute", stderr)
	var (
		idStr    string
		caller   string
		evidence string
	)
	fs.StringVar(&idStr, "id", "", "transaction identifier")
	fs.StringVar(&caller, "caller", "", "buyer or seller address")
	fs.StringVar(&evidence, "evidence", "", "optional 0x-prefixed evidence payload")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	id, err := parseEscrowID(idStr)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	if caller == "" {
		return printEscrowError(stderr, "--caller is required")
	}
	params := map[string]interface{}{"id": id, "caller": caller}
	if trimmed := strings.TrimSpace(evidence); trimmed != "" {
		if err := validateEvidenceHex(trimmed); err != nil {
			return printEscrowError(stderr, err.Error())
		}
		params["evidence"] = trimmed
	}
	result, rpcErr, err := escrowRPCCall("escrow_dispute", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowEvidence(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow evidence", stderr)
	var (
		idStr    string
		caller   string
		evidence string
	)
	fs.StringVar(&idStr, "id", "", "transaction identifier")
	fs.StringVar(&caller, "caller", "", "buyer or seller address")
	fs.StringVar(&evidence, "evidence", "", "0x-prefixed evidence payload")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	id, err := parseEscrowID(idStr)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	if caller == "" {
		return printEscrowError(stderr, "--caller is required")
	}
	if err := validateEvidenceHex(evidence); err != nil {
		return printEscrowError(stderr, err.Error())
	}
	params := map[string]interface{}{
		"id":       id,
		"caller":   caller,
		"evidence": strings.TrimSpace(evidence),
	}
	result, rpcErr, err := escrowRPCCall("escrow_submitEvidence", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowResolve(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow resolve", stderr)
	var (
		idStr      string
		caller     string
		resolution string
		refundStr  string
	)
	fs.StringVar(&idStr, "id", "", "transaction identifier")
	fs.StringVar(&caller, "caller", "", "arbitrator address")
	fs.StringVar(&resolution, "resolution", "", "resolution outcome (full_refund, partial_refund or release_to_seller)")
	fs.StringVar(&refundStr, "refund-amount", "", "buyer refund for partial_refund resolutions")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	id, err := parseEscrowID(idStr)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	if caller == "" {
		return printEscrowError(stderr, "--caller is required")
	}
	normalizedResolution := strings.ToLower(strings.TrimSpace(resolution))
	switch normalizedResolution {
	case "full_refund", "partial_refund", "release_to_seller":
	default:
		return printEscrowError(stderr, "--resolution must be full_refund, partial_refund or release_to_seller")
	}
	params := map[string]interface{}{
		"id":         id,
		"caller":     caller,
		"resolution": normalizedResolution,
	}
	if normalizedResolution == "partial_refund" {
		if strings.TrimSpace(refundStr) == "" {
			return printEscrowError(stderr, "--refund-amount is required for partial_refund")
		}
		normalizedRefund, err := normalizeAmount("--refund-amount", refundStr)
		if err != nil {
			return printEscrowError(stderr, err.Error())
		}
		params["refundAmount"] = normalizedRefund
	} else if strings.TrimSpace(refundStr) != "" {
		return printEscrowError(stderr, "--refund-amount is only valid with partial_refund")
	}
	result, rpcErr, err := escrowRPCCall("escrow_resolve", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowList(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow list", stderr)
	var address string
	fs.StringVar(&address, "address", "", "account bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if address == "" {
		return printEscrowError(stderr, "--address is required")
	}
	params := map[string]interface{}{"address": address}
	result, rpcErr, err := escrowRPCCall("escrow_listByAccount", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowEvents(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow events", stderr)
	var idStr string
	fs.StringVar(&idStr, "id", "", "transaction identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	id, err := parseEscrowID(idStr)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	params := map[string]interface{}{"id": id}
	result, rpcErr, err := escrowRPCCall("escrow_listEvents", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowTransition(name, method string, args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet(name, stderr)
	var (
		idStr  string
		caller string
	)
	fs.StringVar(&idStr, "id", "", "transaction identifier")
	fs.StringVar(&caller, "caller", "", "actor address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	id, err := parseEscrowID(idStr)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	if caller == "" {
		return printEscrowError(stderr, "--caller is required")
	}
	params := map[string]interface{}{"id": id, "caller": caller}
	result, rpcErr, err := escrowRPCCall(method, params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func newEscrowFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, escrowUsage())
	}
	return fs
}

func printEscrowError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	return 1
}

func handleRPCCallError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil {
		if len(result) == 0 || result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}

func escrowUsage() string {
	return strings.TrimSpace(`Usage:
  custos-cli escrow <command> [flags]

Commands:
  create   Create an escrow transaction
  get      Fetch a transaction by id
  confirm  Confirm delivery as the buyer
  release  Release escrowed funds to the seller
  dispute  Raise a dispute inside the dispute window
  evidence Attach evidence to a disputed transaction
  resolve  Resolve a dispute as an arbitrator
  claim    Reclaim funds after the delivery window lapses
  list     List transaction ids touching an account
  events   List journal events for a transaction
`)
}

func parseEscrowID(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("--id is required")
	}
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("--id must be a positive integer")
	}
	return id, nil
}

func validateEvidenceHex(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("--evidence is required")
	}
	if !strings.HasPrefix(strings.ToLower(trimmed), "0x") {
		return fmt.Errorf("--evidence must be a 0x-prefixed hex string")
	}
	cleaned := trimmed[2:]
	if len(cleaned) == 0 || len(cleaned)%2 != 0 || !isHex(cleaned) {
		return fmt.Errorf("--evidence must be a 0x-prefixed hex string")
	}
	if len(cleaned)/2 > maxEvidenceBytes {
		return fmt.Errorf("--evidence must be at most %d bytes", maxEvidenceBytes)
	}
	return nil
}

func normalizeAmount(flagName, value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("%s is required", flagName)
	}
	var exponent int
	base := trimmed
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		expPart := strings.TrimSpace(trimmed[idx+1:])
		if expPart == "" {
			return "", fmt.Errorf("invalid scientific notation in %s", flagName)
		}
		expValue, err := strconv.ParseInt(expPart, 10, 32)
		if err != nil {
			return "", fmt.Errorf("invalid scientific notation in %s", flagName)
		}
		exponent = int(expValue)
	}
	base = strings.TrimSpace(strings.TrimPrefix(base, "+"))
	if strings.HasPrefix(base, "-") {
		return "", fmt.Errorf("%s must be positive", flagName)
	}
	parts := strings.Split(base, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid amount format")
	}
	integerPart := parts[0]
	fractionalPart := ""
	if len(parts) == 2 {
		fractionalPart = parts[1]
	}
	digits := integerPart + fractionalPart
	if digits == "" {
		return "", fmt.Errorf("invalid amount format")
	}
	if !isDigits(digits) {
		return "", fmt.Errorf("invalid amount format")
	}
	digits = strings.TrimLeft(digits, "0")
	fracLen := len(fractionalPart)
	if fracLen > 0 {
		for fracLen > 0 && len(digits) > 0 && digits[len(digits)-1] == '0' {
			digits = digits[:len(digits)-1]
			fracLen--
		}
	}
	totalExponent := exponent - fracLen
	if totalExponent < 0 {
		return "", fmt.Errorf("%s must be an integer", flagName)
	}
	if digits == "" {
		return "", fmt.Errorf("%s must be positive", flagName)
	}
	if totalExponent > 0 {
		digits += strings.Repeat("0", totalExponent)
	}
	return digits, nil
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isHex(value string) bool {
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
