package decoder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/13uraksahin/read-water-worker/internal/faults"
)

// Undecodable is recorded as the decoder name on readings the sandbox could
// not produce a value for.
const Undecodable = "undecodable"

// Sentinel causes distinguishable through errors.Is on a DecodeFailure fault.
var (
	ErrSyntax    = errors.New("decoder syntax error")
	ErrTimeout   = errors.New("decoder timed out")
	ErrRuntime   = errors.New("decoder runtime error")
	ErrBadOutput = errors.New("decoder output malformed")
)

// Decoded is the result of running a decoder against one payload. Value is
// the cumulative meter index; everything else is optional.
type Decoded struct {
	Value          float64
	Consumption    *float64
	BatteryLevel   *float64
	SignalStrength *float64
	Temperature    *float64
	Unit           string
	Alarms         []string
	Raw            map[string]interface{}
}

// Sandbox executes tenant-authored decoder source against single payloads.
// Each Run gets a fresh interpreter: no state is shared between invocations
// or tenants, and an interrupted run cannot leak into the next one.
type Sandbox struct {
	timeout      time.Duration
	maxCallStack int
}

// NewSandbox creates a sandbox with the given execution bounds.
func NewSandbox(timeout time.Duration, maxCallStack int) *Sandbox {
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	if maxCallStack <= 0 {
		maxCallStack = 512
	}
	return &Sandbox{timeout: timeout, maxCallStack: maxCallStack}
}

// Run executes source against payloadHex. The source must define
// decode(payload, fields) returning an object with at least a numeric value.
// Execution is bounded by the sandbox timeout and call-stack limit and has
// no filesystem, network or process capability.
func (s *Sandbox) Run(ctx context.Context, source, payloadHex string, fields map[string]string) (decoded *Decoded, err error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(s.maxCallStack)

	// goja reports unrecoverable interpreter states by panicking.
	defer func() {
		if r := recover(); r != nil {
			decoded = nil
			err = faults.Wrap(faults.KindDecodeFailure, ErrRuntime, "decoder aborted: %v", r)
		}
	}()

	done := make(chan struct{})
	defer close(done)

	timer := time.AfterFunc(s.timeout, func() {
		vm.Interrupt(ErrTimeout)
	})
	defer timer.Stop()

	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	prog, err := goja.Compile("decoder", source, true)
	if err != nil {
		return nil, faults.Wrap(faults.KindDecodeFailure, ErrSyntax, "compile: %v", err)
	}

	if _, err := vm.RunProgram(prog); err != nil {
		return nil, s.classify(err)
	}

	fn, ok := goja.AssertFunction(vm.Get("decode"))
	if !ok {
		return nil, faults.Wrap(faults.KindDecodeFailure, ErrBadOutput, "source does not define decode(payload, fields)")
	}

	result, err := fn(goja.Undefined(), vm.ToValue(payloadHex), vm.ToValue(fields))
	if err != nil {
		return nil, s.classify(err)
	}

	return mapResult(result.Export())
}

func (s *Sandbox) classify(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			// A caller-cancelled run is not a decoder timeout; shutdown
			// interrupts must not inflate the timeout counts.
			if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
				return faults.Wrap(faults.KindDecodeFailure, cause, "run cancelled")
			}
		}
		return faults.Wrap(faults.KindDecodeFailure, ErrTimeout, "exceeded %s", s.timeout)
	}

	var stackOverflow *goja.StackOverflowError
	if errors.As(err, &stackOverflow) {
		return faults.Wrap(faults.KindDecodeFailure, ErrRuntime, "call stack exceeded %d frames", s.maxCallStack)
	}

	return faults.Wrap(faults.KindDecodeFailure, ErrRuntime, "%v", err)
}

func mapResult(exported interface{}) (*Decoded, error) {
	obj, ok := exported.(map[string]interface{})
	if !ok {
		return nil, faults.Wrap(faults.KindDecodeFailure, ErrBadOutput, "decode returned %T, expected an object", exported)
	}

	value, ok := numberField(obj, "value")
	if !ok {
		return nil, faults.Wrap(faults.KindDecodeFailure, ErrBadOutput, "decode result has no numeric value field")
	}

	d := &Decoded{Value: value, Raw: obj}
	d.Consumption = optionalNumber(obj, "consumption")
	d.BatteryLevel = optionalNumber(obj, "batteryLevel")
	d.SignalStrength = optionalNumber(obj, "signalStrength")
	d.Temperature = optionalNumber(obj, "temperature")

	if unit, ok := obj["unit"].(string); ok {
		d.Unit = unit
	}
	if alarms, ok := obj["alarms"].([]interface{}); ok {
		for _, a := range alarms {
			d.Alarms = append(d.Alarms, fmt.Sprintf("%v", a))
		}
	}

	return d, nil
}

func numberField(obj map[string]interface{}, key string) (float64, bool) {
	raw, present := obj[key]
	if !present {
		return 0, false
	}
	switch n := raw.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func optionalNumber(obj map[string]interface{}, key string) *float64 {
	if n, ok := numberField(obj, key); ok {
		return &n
	}
	return nil
}
