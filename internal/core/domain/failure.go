package domain

import "fmt"

// FailureKind categorises why a charge attempt was not made or failed.
// The value is persisted in the state file.
type FailureKind string

const (
	FailureRPCError              FailureKind = "rpcError"
	FailurePlanInactive          FailureKind = "planInactive"
	FailureInsufficientAllowance FailureKind = "insufficientAllowance"
	FailureInsufficientBalance   FailureKind = "insufficientBalance"
	FailureSimulationRevert      FailureKind = "simulationRevert"
	FailureMinedRevert           FailureKind = "minedRevert"
	FailureUnknown               FailureKind = "unknown"
)

// Valid reports whether k is one of the known kinds.
func (k FailureKind) Valid() bool {
	switch k {
	case FailureRPCError, FailurePlanInactive, FailureInsufficientAllowance,
		FailureInsufficientBalance, FailureSimulationRevert, FailureMinedRevert, FailureUnknown:
		return true
	}
	return false
}

// CheckOutcome is the closed set of results a precheck or simulation returns.
type CheckOutcome int

const (
	CheckOK CheckOutcome = iota
	CheckPlanInactive
	CheckInsufficientAllowance
	CheckInsufficientBalance
	CheckSimulationReverted
	CheckRPCError
)

func (o CheckOutcome) String() string {
	switch o {
	case CheckOK:
		return "ok"
	case CheckPlanInactive:
		return "plan_inactive"
	case CheckInsufficientAllowance:
		return "insufficient_allowance"
	case CheckInsufficientBalance:
		return "insufficient_balance"
	case CheckSimulationReverted:
		return "simulation_reverted"
	case CheckRPCError:
		return "rpc_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// CheckResult is the tagged result of a precheck or simulation.
type CheckResult struct {
	Outcome CheckOutcome
	Reason  string
}

// Pass is the successful result.
func Pass() CheckResult { return CheckResult{Outcome: CheckOK} }

// Fail builds a failing result with a human readable reason.
func Fail(outcome CheckOutcome, reason string) CheckResult {
	return CheckResult{Outcome: outcome, Reason: reason}
}

// OK reports whether the attempt may proceed.
func (r CheckResult) OK() bool { return r.Outcome == CheckOK }

// FailureKind maps a failing result onto the backoff category. Outcomes
// without a dedicated category fall back to FailureUnknown, which still
// backs off.
func (r CheckResult) FailureKind() FailureKind {
	switch r.Outcome {
	case CheckPlanInactive:
		return FailurePlanInactive
	case CheckInsufficientAllowance:
		return FailureInsufficientAllowance
	case CheckInsufficientBalance:
		return FailureInsufficientBalance
	case CheckSimulationReverted:
		return FailureSimulationRevert
	case CheckRPCError:
		return FailureRPCError
	default:
		return FailureUnknown
	}
}
