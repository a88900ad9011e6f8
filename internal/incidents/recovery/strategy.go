package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pendergraft/sorobanregistry/internal/ledger/retry"
)

// Target identifies what a recovery acts on. ContractRef is empty for
// incidents not tied to a contract, such as drills.
type Target struct {
	IncidentID  string
	ContractRef string
	Network     string
	ContractID  string
	Drill       bool
}

// Step is one action or check of a strategy
type Step interface {
	Name() string
	Run(ctx context.Context, t Target) error
}

// ContractChecker confirms the registry's record of a contract matches the chain
type ContractChecker interface {
	CheckContract(ctx context.Context, network, contractID string) error
}

// Verifier re-verifies the current version of a contract from stored source.
// It returns the outcome, or "" when no source has been submitted.
type Verifier interface {
	ReverifyContract(ctx context.Context, contractRef string) (string, error)
}

// Deps are the collaborators strategies invoke
type Deps struct {
	Operator  Operator
	Contracts ContractChecker
	Verifier  Verifier
}

// Strategy is the fixed recovery sequence and health check for a category
type Strategy struct {
	Category Category
	Actions  []Step
	Check    Step
	Policy   Policy

	logger *slog.Logger
}

// ErrCheckFailed wraps every failed health check
var ErrCheckFailed = errors.New("health check failed")

// Strategies maps each category to its strategy
type Strategies map[Category]*Strategy

// NewStrategies builds the strategy for every category from the playbook
func NewStrategies(pb *Playbook, deps Deps, logger *slog.Logger) Strategies {
	if logger == nil {
		logger = slog.Default()
	}
	op := deps.Operator
	if op == nil {
		op = NewLogOperator(logger)
	}
	ext := func(c Category, name string, params map[string]string) Step {
		return &operatorStep{op: op, category: c, name: name, params: params}
	}

	s := Strategies{}
	add := func(c Category, check Step, actions ...Step) {
		s[c] = &Strategy{Category: c, Actions: actions, Check: check, Policy: pb.Policy(c), logger: logger}
	}

	add(CategoryToken,
		&tokenCheck{contracts: deps.Contracts, verifier: deps.Verifier},
		ext(CategoryToken, "redeploy_bytecode", nil),
		ext(CategoryToken, "restore_ledger_state", nil),
	)
	add(CategoryBridge,
		ext(CategoryBridge, "cross_chain_transfer_test", nil),
		ext(CategoryBridge, "pause", nil),
		ext(CategoryBridge, "reconfigure", nil),
		ext(CategoryBridge, "resync_external_state", nil),
	)
	add(CategoryDEX,
		ext(CategoryDEX, "test_trade_execution", nil),
		ext(CategoryDEX, "restore_order_book", nil),
		ext(CategoryDEX, "recompute_liquidity_ratios", nil),
	)
	add(CategoryLending,
		ext(CategoryLending, "audit_positions", nil),
		ext(CategoryLending, "recompute_positions", nil),
		ext(CategoryLending, "restore_accruals", nil),
	)
	fallback := map[string]string{"fallback_source": pb.Policy(CategoryOracle).FallbackSource}
	add(CategoryOracle,
		ext(CategoryOracle, "validate_data_accuracy", fallback),
		ext(CategoryOracle, "switch_fallback_source", fallback),
		ext(CategoryOracle, "refresh_feed", fallback),
	)
	add(CategoryOther,
		&contractCheck{contracts: deps.Contracts},
		ext(CategoryOther, "manual_review", nil),
	)
	return s
}

// Get returns the strategy for a category
func (s Strategies) Get(c Category) (*Strategy, error) {
	st, ok := s[c]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	return st, nil
}

// Plan returns the action names in execution order
func (s *Strategy) Plan() []string {
	names := make([]string, len(s.Actions))
	for i, a := range s.Actions {
		names[i] = a.Name()
	}
	return names
}

// Recover runs every action in order. Each action is retried up to the
// policy bound; the first action to exhaust its retries stops the sequence
// and its error is returned.
func (s *Strategy) Recover(ctx context.Context, t Target) error {
	backoff := retry.NewExponentialBackoffStrategy(s.Policy.MaxActionRetries-1, s.Policy.RetryDelay, 8*s.Policy.RetryDelay).WithLogger(s.logger)
	for _, action := range s.Actions {
		err := backoff.Execute(ctx, func() error {
			return s.runStep(ctx, action, t)
		})
		if err != nil {
			return fmt.Errorf("%s: %w", action.Name(), err)
		}
	}
	return nil
}

// Verify runs the health check once under the action timeout
func (s *Strategy) Verify(ctx context.Context, t Target) error {
	if err := s.runStep(ctx, s.Check, t); err != nil {
		if errors.Is(err, ErrCheckFailed) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrCheckFailed, s.Check.Name(), err)
	}
	return nil
}

func (s *Strategy) runStep(ctx context.Context, step Step, t Target) error {
	if s.Policy.ActionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Policy.ActionTimeout)
		defer cancel()
	}
	return step.Run(ctx, t)
}

// operatorStep delegates to the external operator
type operatorStep struct {
	op       Operator
	category Category
	name     string
	params   map[string]string
}

func (o *operatorStep) Name() string { return o.name }

func (o *operatorStep) Run(ctx context.Context, t Target) error {
	return o.op.Execute(ctx, Request{
		Action:     o.name,
		Category:   o.category,
		IncidentID: t.IncidentID,
		Network:    t.Network,
		ContractID: t.ContractID,
		Drill:      t.Drill,
		Params:     o.params,
	})
}

// contractCheck confirms the indexed bytecode matches the chain
type contractCheck struct {
	contracts ContractChecker
}

func (c *contractCheck) Name() string { return "contract_health_check" }

func (c *contractCheck) Run(ctx context.Context, t Target) error {
	if t.ContractID == "" || c.contracts == nil {
		return nil
	}
	if err := c.contracts.CheckContract(ctx, t.Network, t.ContractID); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckFailed, err)
	}
	return nil
}

// tokenCheck is the contract health check followed by a bytecode re-verify
type tokenCheck struct {
	contracts ContractChecker
	verifier  Verifier
}

func (c *tokenCheck) Name() string { return "health_check_and_reverify" }

func (c *tokenCheck) Run(ctx context.Context, t Target) error {
	if err := (&contractCheck{contracts: c.contracts}).Run(ctx, t); err != nil {
		return err
	}
	if t.ContractRef == "" || c.verifier == nil {
		return nil
	}
	outcome, err := c.verifier.ReverifyContract(ctx, t.ContractRef)
	if err != nil {
		return err
	}
	switch outcome {
	case "", "verified":
		return nil
	default:
		return fmt.Errorf("%w: re-verification outcome %s", ErrCheckFailed, outcome)
	}
}
