package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	// ErrNoSigner is returned by SendCollect when no private key is loaded.
	ErrNoSigner = errors.New("ledger: no signing key configured")

	// ErrReceiptNotFound marks a transaction without a receipt yet.
	ErrReceiptNotFound = errors.New("ledger: receipt not found")
)

// RevertError is a call that the EVM reverted. Reason is decoded when the
// revert data matches Error(string), Panic(uint256) or a known ledger error.
type RevertError struct {
	Reason string
	Data   []byte
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

// DecodeRevert turns raw revert data into a readable reason.
func DecodeRevert(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	for name, e := range openSubABI.Errors {
		if bytes.Equal(data[:4], e.ID[:4]) {
			return name + "()"
		}
	}
	return fmt.Sprintf("unknown error 0x%x", data[:4])
}

// dataError matches JSON-RPC errors carrying revert data.
type dataError interface {
	Error() string
	ErrorData() interface{}
}

// AsRevert extracts a RevertError from an RPC/eth_call error. ok is false for
// transport and node errors.
func AsRevert(err error) (*RevertError, bool) {
	if err == nil {
		return nil, false
	}
	var re *RevertError
	if errors.As(err, &re) {
		return re, true
	}

	var de dataError
	if errors.As(err, &de) {
		if raw, ok := de.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(raw); decodeErr == nil {
				return &RevertError{Reason: DecodeRevert(data), Data: data}, true
			}
		}
	}

	msg := err.Error()
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(msg[i+len("execution reverted"):], ":"))
		return &RevertError{Reason: reason}, true
	}
	return nil, false
}

// ErrorClass determines how the keeper reacts to a ledger error.
type ErrorClass int

const (
	// ClassTransient covers network failures, timeouts, rate limits and 5xx.
	ClassTransient ErrorClass = iota
	// ClassRevert is a deterministic EVM revert.
	ClassRevert
	// ClassFatal is a malformed request the node will never accept.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRevert:
		return "revert"
	case ClassFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// ClassifyError determines the class of a ledger error.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}
	if _, ok := AsRevert(err); ok {
		return ClassRevert
	}

	s := err.Error()

	// -32700: Parse error, -32600: Invalid Request, -32601: Method not found, -32602: Invalid params
	if strings.Contains(s, "-32700") || strings.Contains(s, "-32600") ||
		strings.Contains(s, "-32601") || strings.Contains(s, "-32602") {
		return ClassFatal
	}

	// Everything else (429, quota, 5xx, dial errors, deadlines) clears up on
	// its own or at the next cycle.
	return ClassTransient
}
