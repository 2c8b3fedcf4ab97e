package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// RPCURLEnv overrides the deployment's RPC URL.
const RPCURLEnv = "OPENSUB_KEEPER_RPC_URL"

// ErrNoRPCURL is returned when no RPC URL source is set.
var ErrNoRPCURL = errors.New("no rpc url provided: pass --rpc-url, set " + RPCURLEnv +
	", set deployment rpcEnvVar, or include rpc in the deployment json")

// Deployment is the subset of a deployment artifact the keeper reads.
// Unknown fields are ignored.
type Deployment struct {
	ChainID    uint64 `json:"chainId"`
	RPC        string `json:"rpc,omitempty"`
	RPCEnvVar  string `json:"rpcEnvVar,omitempty"`
	OpenSub    string `json:"openSub"`
	StartBlock uint64 `json:"startBlock"`

	// Informational only.
	PlanID *uint64 `json:"planId,omitempty"`
	Token  string  `json:"token,omitempty"`
}

// LoadDeployment reads and validates a deployment artifact.
func LoadDeployment(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment artifact %s: %w", path, err)
	}

	var d Deployment
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse deployment artifact %s: %w", path, err)
	}

	if strings.TrimSpace(d.OpenSub) == "" {
		return nil, errors.New("deployment artifact openSub is empty")
	}
	if !common.IsHexAddress(d.OpenSub) {
		return nil, fmt.Errorf("invalid openSub address %q", d.OpenSub)
	}
	if d.StartBlock == 0 {
		slog.Warn("Deployment startBlock is 0; scanning from genesis may be slow")
	}
	return &d, nil
}

// LedgerAddress returns the parsed ledger address.
func (d *Deployment) LedgerAddress() common.Address {
	return common.HexToAddress(d.OpenSub)
}

// ResolveRPCURL picks the RPC URL: the explicit override, then the
// OPENSUB_KEEPER_RPC_URL env, then the env var named by the deployment, then
// the deployment's own rpc field.
func ResolveRPCURL(override string, d *Deployment, getenv func(string) string) (string, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	candidates := []string{override, getenv(RPCURLEnv)}
	if d != nil {
		if d.RPCEnvVar != "" {
			candidates = append(candidates, getenv(d.RPCEnvVar))
		}
		candidates = append(candidates, d.RPC)
	}

	for _, url := range candidates {
		if url = strings.TrimSpace(url); url != "" {
			if LooksLikeEmbeddedKey(url) {
				slog.Warn("RPC URL looks like it contains an API key; prefer " + RPCURLEnv + " over committing it")
			}
			return url, nil
		}
	}
	return "", ErrNoRPCURL
}

// LooksLikeEmbeddedKey reports whether url follows a hosted provider's
// key-in-path pattern.
func LooksLikeEmbeddedKey(url string) bool {
	return strings.Contains(url, "alchemy.com/v2/") || strings.Contains(url, "infura.io/v3/")
}
