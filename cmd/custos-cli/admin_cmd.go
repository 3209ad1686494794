package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxFeeBasisPoints matches the engine cap so misconfigured fees fail before
// the RPC round trip.
const maxFeeBasisPoints = 1000

var adminRPCCall = callRPC

func runAdminCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, adminUsage())
		return 1
	}

	switch args[0] {
	case "add-arbitrator":
		return runAdminArbitrator("admin add-arbitrator", "escrow_addArbitrator", args[1:], stdout, stderr)
	case "remove-arbitrator":
		return runAdminArbitrator("admin remove-arbitrator", "escrow_removeArbitrator", args[1:], stdout, stderr)
	case "arbitrators":
		return runAdminArbitrators(args[1:], stdout, stderr)
	case "is-arbitrator":
		return runAdminIsArbitrator(args[1:], stdout, stderr)
	case "set-fee":
		return runAdminSetFee(args[1:], stdout, stderr)
	case "set-collector":
		return runAdminSetCollector(args[1:], stdout, stderr)
	case "fee-policy":
		return runAdminFeePolicy(args[1:], stdout, stderr)
	case "pause":
		return runAdminSetPaused(true, args[1:], stdout, stderr)
	case "unpause":
		return runAdminSetPaused(false, args[1:], stdout, stderr)
	case "mint":
		return runAdminMint(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown admin subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, adminUsage())
		return 1
	}
}

func runAdminArbitrator(name, method string, args []string, stdout, stderr io.Writer) int {
	fs := newAdminFlagSet(name, stderr)
	var (
		caller     string
		arbitrator string
	)
	fs.StringVar(&caller, "caller", "", "registry owner address")
	fs.StringVar(&arbitrator, "arbitrator", "", "arbitrator bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if caller == "" {
		return printEscrowError(stderr, "--caller is required")
	}
	if arbitrator == "" {
		return printEscrowError(stderr, "--arbitrator is required")
	}
	params := map[string]interface{}{"caller": caller, "arbitrator": arbitrator}
	result, rpcErr, err := adminRPCCall(method, params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runAdminArbitrators(args []string, stdout, stderr io.Writer) int {
	fs := newAdminFlagSet("admin arbitrators", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	result, rpcErr, err := adminRPCCall("escrow_listArbitrators", nil, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runAdminIsArbitrator(args []string, stdout, stderr io.Writer) int {
	fs := newAdminFlagSet("admin is-arbitrator", stderr)
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
	result, rpcErr, err := adminRPCCall("escrow_isArbitrator", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runAdminSetFee(args []string, stdout, stderr io.Writer) int {
	fs := newAdminFlagSet("admin set-fee", stderr)
	var (
		caller string
		bpsStr string
	)
	fs.StringVar(&caller, "caller", "", "registry owner address")
	fs.StringVar(&bpsStr, "bps", "", "fee in basis points")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if caller == "" {
		return printEscrowError(stderr, "--caller is required")
	}
	if bpsStr == "" {
		return printEscrowError(stderr, "--bps is required")
	}
	bpsValue, err := strconv.ParseUint(bpsStr, 10, 32)
	if err != nil {
		return printEscrowError(stderr, "--bps must be an unsigned integer")
	}
	if bpsValue > maxFeeBasisPoints {
		return printEscrowError(stderr, fmt.Sprintf("--bps must be <= %d", maxFeeBasisPoints))
	}
	params := map[string]interface{}{"caller": caller, "basisPoints": bpsValue}
	result, rpcErr, err := adminRPCCall("escrow_setFeeBps", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runAdminSetCollector(args []string, stdout, stderr io.Writer) int {
	fs := newAdminFlagSet("admin set-collector", stderr)
	var (
		caller    string
		collector string
	)
	fs.StringVar(&caller, "caller", "", "registry owner address")
	fs.StringVar(&collector, "collector", "", "fee collector bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if caller == "" {
		return printEscrowError(stderr, "--caller is required")
	}
	if collector == "" {
		return printEscrowError(stderr, "--collector is required")
	}
	params := map[string]interface{}{"caller": caller, "collector": collector}
	result, rpcErr, err := adminRPCCall("escrow_setFeeCollector", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runAdminFeePolicy(args []string, stdout, stderr io.Writer) int {
	fs := newAdminFlagSet("admin fee-policy", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	result, rpcErr, err := adminRPCCall("escrow_feePolicy", nil, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runAdminSetPaused(paused bool, args []string, stdout, stderr io.Writer) int {
	name := "admin pause"
	if !paused {
		name = "admin unpause"
	}
	fs := newAdminFlagSet(name, stderr)
	var caller string
	fs.StringVar(&caller, "caller", "", "registry owner address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if caller == "" {
		return printEscrowError(stderr, "--caller is required")
	}
	params := map[string]interface{}{"caller": caller, "paused": paused}
	result, rpcErr, err := adminRPCCall("escrow_setPaused", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runAdminMint(args []string, stdout, stderr io.Writer) int {
	fs := newAdminFlagSet("admin mint", stderr)
	var (
		caller    string
		address   string
		amountStr string
	)
	fs.StringVar(&caller, "caller", "", "registry owner address")
	fs.StringVar(&address, "address", "", "account receiving the minted balance")
	fs.StringVar(&amountStr, "amount", "", "mint amount (supports 100e18 shorthand)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if caller == "" {
		return printEscrowError(stderr, "--caller is required")
	}
	if address == "" {
		return printEscrowError(stderr, "--address is required")
	}
	if amountStr == "" {
		return printEscrowError(stderr, "--amount is required")
	}
	normalizedAmount, err := normalizeAmount("--amount", amountStr)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	params := map[string]interface{}{
		"caller":  caller,
		"address": address,
		"amount":  normalizedAmount,
	}
	result, rpcErr, err := adminRPCCall("custos_mint", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func newAdminFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, adminUsage())
	}
	return fs
}

func adminUsage() string {
	return strings.TrimSpace(`Usage:
  custos-cli admin <command> [flags]

Commands:
  add-arbitrator    Grant an account arbitrator rights
  remove-arbitrator Revoke an account's arbitrator rights
  arbitrators       List registered arbitrators
  is-arbitrator     Check whether an account is an arbitrator
  set-fee           Update the escrow fee in basis points
  set-collector     Update the fee collector account
  fee-policy        Show the active fee policy
  pause             Halt state-changing escrow operations
  unpause           Resume state-changing escrow operations
  mint              Credit ledger balance to an account
`)
}
