package decoder

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/13uraksahin/read-water-worker/internal/db"
	"github.com/13uraksahin/read-water-worker/internal/faults"
)

// ScenarioStore is the persistence surface the registry needs.
type ScenarioStore interface {
	ScenariosByProfileTechnology(ctx context.Context, profileID uuid.UUID, technology string) ([]db.Scenario, error)
	ScenariosNeedingSelfTest(ctx context.Context) ([]db.Scenario, error)
	UpdateScenarioTestResult(ctx context.Context, scenarioID uuid.UUID, testedAt time.Time, succeeded bool) error
}

// Registry resolves versioned decoder definitions and verifies their
// integrity. Decoder source is tenant-authored data: syntax problems are
// rejected here, before a payload ever reaches the sandbox.
type Registry struct {
	store   ScenarioStore
	sandbox *Sandbox
	logger  *zap.Logger
}

// NewRegistry creates a registry over the given store and sandbox.
func NewRegistry(store ScenarioStore, sandbox *Sandbox, logger *zap.Logger) *Registry {
	return &Registry{store: store, sandbox: sandbox, logger: logger}
}

// Resolve returns the ordered candidate scenarios for a device profile and
// technology, default scenario first. Narrowing to exactly one is the link
// manager's job.
func (r *Registry) Resolve(ctx context.Context, profileID uuid.UUID, technology string) ([]db.Scenario, error) {
	scenarios, err := r.store.ScenariosByProfileTechnology(ctx, profileID, technology)
	if err != nil {
		return nil, fmt.Errorf("failed to load scenarios: %w", err)
	}
	return scenarios, nil
}

// CheckSource validates decoder source at registration time: it must compile
// and define a decode function. Tenants get the error synchronously; the
// ingestion path never sees sources that fail here.
func (r *Registry) CheckSource(source string) error {
	prog, err := goja.Compile("decoder", source, true)
	if err != nil {
		return faults.Wrap(faults.KindValidation, ErrSyntax, "compile: %v", err)
	}

	vm := goja.New()
	if _, err := vm.RunProgram(prog); err != nil {
		return faults.Wrap(faults.KindValidation, ErrSyntax, "evaluate: %v", err)
	}
	if _, ok := goja.AssertFunction(vm.Get("decode")); !ok {
		return faults.New(faults.KindValidation, "source does not define decode(payload, fields)")
	}
	return nil
}

// SelfTest re-runs a scenario's decoder against its stored test fixture and
// records the result. Called on source change, never on the hot path.
// Scenarios without a fixture are skipped.
func (r *Registry) SelfTest(ctx context.Context, scenario db.Scenario) error {
	if scenario.TestPayload == nil || len(scenario.ExpectedOutput) == 0 {
		return nil
	}

	now := time.Now().UTC()
	decoded, runErr := r.sandbox.Run(ctx, scenario.DecoderSource, *scenario.TestPayload, nil)

	succeeded := runErr == nil && matchesExpected(decoded, scenario.ExpectedOutput)
	if err := r.store.UpdateScenarioTestResult(ctx, scenario.ID, now, succeeded); err != nil {
		return fmt.Errorf("failed to record self-test result: %w", err)
	}

	if !succeeded {
		r.logger.Warn("scenario self-test failed",
			zap.String("scenario_id", scenario.ID.String()),
			zap.String("scenario", scenario.Name),
			zap.Error(runErr),
		)
	}
	return nil
}

// SelfTestPending runs the self-test for every scenario whose fixture result
// is missing or stale. Errors on individual scenarios are logged and do not
// stop the sweep.
func (r *Registry) SelfTestPending(ctx context.Context) error {
	scenarios, err := r.store.ScenariosNeedingSelfTest(ctx)
	if err != nil {
		return err
	}
	for _, scenario := range scenarios {
		if err := r.SelfTest(ctx, scenario); err != nil {
			r.logger.Warn("scenario self-test sweep error",
				zap.String("scenario_id", scenario.ID.String()),
				zap.Error(err),
			)
		}
	}
	if len(scenarios) > 0 {
		r.logger.Info("scenario self-test sweep done", zap.Int("count", len(scenarios)))
	}
	return nil
}

// matchesExpected compares every key of the expected fixture output against
// the decoder's exported result. Numbers compare with a small tolerance.
func matchesExpected(decoded *Decoded, expectedJSON []byte) bool {
	var expected map[string]interface{}
	if err := json.Unmarshal(expectedJSON, &expected); err != nil {
		return false
	}

	for key, want := range expected {
		got, present := decoded.Raw[key]
		if !present {
			return false
		}
		if !valueEqual(want, got) {
			return false
		}
	}
	return true
}

func valueEqual(want, got interface{}) bool {
	wantNum, wantOK := asNumber(want)
	gotNum, gotOK := asNumber(got)
	if wantOK && gotOK {
		return math.Abs(wantNum-gotNum) < 1e-9
	}
	return fmt.Sprintf("%v", want) == fmt.Sprintf("%v", got)
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}
