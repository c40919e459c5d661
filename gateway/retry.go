package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/llmgate/gateway/tokencount"
	"github.com/dshills/llmgate/internal/emit"
	"github.com/dshills/llmgate/internal/gatewaymetrics"
)

// computeBackoff implements the retry engine's exact delay formula:
//
//	delay(a) = min(max_delay, initial_delay * backoff_factor^a)
//	final    = delay * (1 + U(-jitter_fraction, +jitter_fraction))
//
// clamped to a 100ms floor so a zero-valued config never produces a
// zero-length sleep (which would turn retries into a busy loop). rng is
// injected so tests can assert exact values instead of a range.
func computeBackoff(attempt int, cfg RetryConfig, rng *rand.Rand) time.Duration {
	base := cfg.InitialDelayS * pow(cfg.BackoffFactor, attempt)
	if base > cfg.MaxDelayS {
		base = cfg.MaxDelayS
	}
	jitter := 1.0
	if cfg.JitterFraction > 0 {
		jitter = 1 + cfg.JitterFraction*(2*rng.Float64()-1)
	}
	seconds := base * jitter
	if seconds < 0.1 {
		seconds = 0.1
	}
	return time.Duration(seconds * float64(time.Second))
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

// retryStage names which escalation stage an attempt belongs to. Attempts
// start plain; once MaxAttemptsBeforeToolUse is crossed the request is
// annotated with the debug tool's MCP config so the CLI-backed adapters can
// let the model inspect its own failure; once MaxAttemptsBeforeHuman is
// crossed the engine gives up and surfaces a human-review error instead of
// burning further attempts.
type retryStage string

const (
	stagePlain      retryStage = "plain"
	stageToolAssist retryStage = "tool_assisted"
	stageHuman      retryStage = "human_review"
)

func stageFor(attempt int, cfg RetryConfig) retryStage {
	if cfg.MaxAttemptsBeforeHuman > 0 && attempt >= cfg.MaxAttemptsBeforeHuman {
		return stageHuman
	}
	if cfg.MaxAttemptsBeforeToolUse > 0 && attempt >= cfg.MaxAttemptsBeforeToolUse {
		return stageToolAssist
	}
	return stagePlain
}

// Attempter bundles everything one call to RetryWithValidation needs beyond
// the request itself.
type Attempter struct {
	Provider   ChatProvider
	Validators []Validator
	Breaker    *CircuitBreaker
	Emitter    emit.Emitter
	Metrics    *gatewaymetrics.Metrics
	Rand       *rand.Rand
	RunID      string
	Model      string
	Recursive  RecursiveCaller
	MaxDepth   int
	Depth      int
}

func (at Attempter) recordBreakerState() {
	if at.Metrics == nil || at.Breaker == nil {
		return
	}
	state := gatewaymetrics.BreakerClosed
	switch at.Breaker.State() {
	case BreakerHalfOpen:
		state = gatewaymetrics.BreakerHalfOpen
	case BreakerOpen:
		state = gatewaymetrics.BreakerOpen
	}
	at.Metrics.SetBreakerState(at.Model, state)
}

// RetryWithValidation drives one logical call through the full staged
// retry loop: circuit-breaker gate, provider call, validation, escalation,
// and exponential backoff between attempts. It returns the first Response
// that passes every validator, or a *GatewayError describing why the loop
// gave up.
func RetryWithValidation(ctx context.Context, at Attempter, req RetryConfig, call Request) (Response, error) {
	if at.Rand == nil {
		at.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if err := req.Validate(); err != nil {
		return Response{}, err
	}

	var (
		lastResp   Response
		lastErrors []string
	)

	estimator := tokencount.NewEstimator(call.Model)
	workingMessages := append([]Message(nil), call.Messages...)

	for attempt := 0; attempt < req.MaxAttempts; attempt++ {
		stage := stageFor(attempt, req)
		if stage == stageHuman {
			return Response{}, NewHumanReviewNeededError(&lastResp, lastErrors)
		}

		if at.Breaker != nil {
			if ok, retryAfter := at.Breaker.Allow(); !ok {
				return Response{}, NewCircuitOpenError(string(at.Breaker.State()), retryAfter)
			}
		}

		attemptReq := call.Clone()
		attemptReq.Messages = append([]Message(nil), workingMessages...)
		if stage == stageToolAssist && req.DebugToolMCPConfig != nil {
			if attemptReq.MCPConfig == nil {
				attemptReq.MCPConfig = map[string]interface{}{}
			}
			for k, v := range req.DebugToolMCPConfig {
				attemptReq.MCPConfig[k] = v
			}
			if at.Metrics != nil {
				at.Metrics.RecordEscalation(at.Model, at.Model+"#tool_assisted")
			}
		}

		at.emit(attempt, "attempt_started", nil)
		attemptStart := time.Now()
		resp, err := at.Provider.Complete(ctx, attemptReq)
		at.recordBreakerState()
		if err != nil {
			var gerr *GatewayError
			if !errors.As(err, &gerr) {
				gerr = &GatewayError{Kind: KindTransportError, Message: "provider call failed", Cause: err}
			}
			if at.Breaker != nil && gerr.CountsTowardBreaker() {
				at.Breaker.RecordFailure()
				at.recordBreakerState()
			}
			if at.Metrics != nil {
				at.Metrics.RecordAttempt(at.Model, "error", time.Since(attemptStart))
			}
			at.emit(attempt, "attempt_failed", map[string]interface{}{"kind": string(gerr.Kind)})
			if !gerr.IsRetryable() {
				return Response{}, gerr
			}
			if attempt == req.MaxAttempts-1 {
				return Response{}, gerr
			}
			if err := sleepOrCancel(ctx, computeBackoff(attempt, req, at.Rand)); err != nil {
				return Response{}, &GatewayError{Kind: KindCancelledError, Message: "retry loop cancelled", Cause: err}
			}
			continue
		}

		if at.Breaker != nil {
			at.Breaker.RecordSuccess()
			at.recordBreakerState()
		}
		lastResp = resp

		vctx := ValidationContext{
			Attempt:      attempt,
			Recursive:    at.Recursive,
			CurrentDepth: at.Depth,
			MaxDepth:     at.MaxDepth,
		}
		failures, failedValidators, crashErr := runValidators(ctx, at.Validators, resp, vctx)
		if crashErr != nil {
			return Response{}, crashErr
		}
		if len(failures) == 0 {
			if at.Metrics != nil {
				at.Metrics.RecordAttempt(at.Model, "success", time.Since(attemptStart))
			}
			at.emit(attempt, "attempt_succeeded", nil)
			return resp, nil
		}

		lastErrors = failures
		if at.Metrics != nil {
			at.Metrics.RecordAttempt(at.Model, "validation_failed", time.Since(attemptStart))
			for _, name := range failedValidators {
				at.Metrics.RecordValidatorFailure(at.Model, name)
			}
		}
		at.emit(attempt, "validation_failed", map[string]interface{}{"errors": failures})

		if attempt == req.MaxAttempts-1 {
			break
		}

		workingMessages = appendFeedbackTurn(workingMessages, resp, failures, estimator)

		if err := sleepOrCancel(ctx, computeBackoff(attempt, req, at.Rand)); err != nil {
			return Response{}, &GatewayError{Kind: KindCancelledError, Message: "retry loop cancelled", Cause: err}
		}
	}

	return Response{}, NewHumanReviewNeededError(&lastResp, lastErrors)
}

// appendFeedbackTurn grows the working message list by exactly two entries
// for a failed attempt: an echo of the assistant's rejected reply, then a
// user message listing why it was rejected. The feedback message is capped
// to a soft byte budget so a validator that returns pathological error text
// can't make the conversation grow unboundedly across attempts.
func appendFeedbackTurn(messages []Message, resp Response, failures []string, estimator *tokencount.Estimator) []Message {
	feedback := estimator.TruncateFeedback("Your previous response failed validation:\n" + strings.Join(failures, "\n"))
	return append(messages,
		Message{Role: RoleAssistant, Content: resp.Content()},
		Message{Role: RoleUser, Content: feedback},
	)
}

// runValidators runs every validator against resp, short-circuiting on the
// first validator whose own execution panics or errors (a validator crash
// is itself a ValidationFailure, not a silent pass). Validators that don't
// implement AsyncCapable (or report IsAsync()==false) run inline, in order,
// before any async validator starts; AsyncCapable validators reporting
// IsAsync()==true make a blocking recursive call apiece, so they run
// concurrently via errgroup instead of stalling one another. Results are
// collected into slots indexed by each validator's original position so the
// returned failure/name lists stay in Validators order regardless of which
// goroutine finishes first. It returns the accumulated list of human-readable
// validation complaints alongside the names of the validators that produced
// them.
func runValidators(ctx context.Context, validators []Validator, resp Response, vctx ValidationContext) ([]string, []string, *GatewayError) {
	type slot struct {
		failure string
		failed  bool
	}
	slots := make([]slot, len(validators))

	var syncIdx, asyncIdx []int
	for i, v := range validators {
		if ac, ok := v.(AsyncCapable); ok && ac.IsAsync() {
			asyncIdx = append(asyncIdx, i)
		} else {
			syncIdx = append(syncIdx, i)
		}
	}

	for _, i := range syncIdx {
		result, crashErr := safeValidate(ctx, validators[i], resp, vctx)
		if crashErr != nil {
			return nil, nil, crashErr
		}
		if !result.Valid {
			slots[i] = slot{failure: validationMessage(validators[i], result), failed: true}
		}
	}

	if len(asyncIdx) > 0 {
		group, gctx := errgroup.WithContext(ctx)
		for _, i := range asyncIdx {
			i := i
			group.Go(func() error {
				result, crashErr := safeValidate(gctx, validators[i], resp, vctx)
				if crashErr != nil {
					return crashErr
				}
				if !result.Valid {
					slots[i] = slot{failure: validationMessage(validators[i], result), failed: true}
				}
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			var gerr *GatewayError
			if errors.As(err, &gerr) {
				return nil, nil, gerr
			}
			return nil, nil, NewValidationFailure("async_validator", err)
		}
	}

	var failures []string
	var failedNames []string
	for i, s := range slots {
		if s.failed {
			failures = append(failures, s.failure)
			failedNames = append(failedNames, validators[i].Name())
		}
	}
	return failures, failedNames, nil
}

func validationMessage(v Validator, result ValidationResult) string {
	if result.Error != "" {
		return result.Error
	}
	return fmt.Sprintf("%s: validation failed", v.Name())
}

func safeValidate(ctx context.Context, v Validator, resp Response, vctx ValidationContext) (result ValidationResult, gerr *GatewayError) {
	defer func() {
		if r := recover(); r != nil {
			gerr = NewValidationFailure(v.Name(), fmt.Errorf("panic: %v", r))
		}
	}()
	return v.Validate(ctx, resp, vctx), nil
}

func (at Attempter) emit(attempt int, msg string, meta map[string]interface{}) {
	if at.Emitter == nil {
		return
	}
	at.Emitter.Emit(emit.Event{RunID: at.RunID, Step: attempt, NodeID: "retry", Msg: msg, Meta: meta})
}

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
