package gateway

import "context"

// ValidationResult is the uniform outcome of running one Validator against
// a Response.
type ValidationResult struct {
	Valid       bool
	Error       string
	Suggestions []string
	Debug       map[string]interface{}
}

// RecursiveCaller is the callback an AI-judge validator uses to re-enter the
// orchestrator. It is carried on an explicit context object rather than
// global mutable state so recursion depth stays bounded and thread-safe.
type RecursiveCaller func(ctx context.Context, req Request) (Response, error)

// ValidationContext is passed into every Validator.Validate call. Attempt is
// the current 0-indexed retry attempt. Recursive/CurrentDepth/MaxDepth exist
// only so AI-judge validators can make bounded recursive calls; synchronous
// validators ignore them.
type ValidationContext struct {
	Attempt      int
	Recursive    RecursiveCaller
	CurrentDepth int
	MaxDepth     int
}

// Recurse invokes the recursive caller one level deeper, refusing once
// MaxDepth is reached.
func (vc ValidationContext) Recurse(ctx context.Context, req Request) (Response, error) {
	if vc.CurrentDepth >= vc.MaxDepth {
		return Response{}, NewConfigError("max_recursion_depth (%d) exceeded", vc.MaxDepth)
	}
	if vc.Recursive == nil {
		return Response{}, NewConfigError("no recursive caller configured for AI-assisted validation")
	}
	return vc.Recursive(ctx, req)
}

// Validator is the uniform contract every built-in and custom validation
// strategy implements: a name for diagnostics and a Validate method that
// judges one Response.
type Validator interface {
	Name() string
	Validate(ctx context.Context, resp Response, vctx ValidationContext) ValidationResult
}

// AsyncCapable is implemented by validators that must run as a goroutine
// rather than inline — in practice the AI-judge validators, since they make
// a blocking recursive call. The retry engine checks this to decide whether
// a validator may run concurrently with its siblings.
type AsyncCapable interface {
	IsAsync() bool
}
