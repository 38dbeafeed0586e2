package module

import "context"

// Func is a Module assembled from plain functions. Only Exec is required;
// nil hooks fall back to no-ops, DefaultRecovery and an always-valid check.
type Func struct {
	ID       string
	Exec     func(ctx context.Context, input any) (any, error)
	Init     func(ctx context.Context) error
	Validate func(input any) ValidationResult
	OnError  func(err error, ec ErrorContext) Recovery
	Close    func(ctx context.Context) error
}

var _ Module = (*Func)(nil)

func (f *Func) Name() string { return f.ID }

func (f *Func) Initialize(ctx context.Context) error {
	if f.Init == nil {
		return nil
	}
	return f.Init(ctx)
}

func (f *Func) Execute(ctx context.Context, input any) (any, error) {
	if f.Exec == nil {
		return input, nil
	}
	return f.Exec(ctx, input)
}

func (f *Func) ExecuteStage(ctx context.Context, sc StageContext) (any, error) {
	return StageFromExecute(ctx, f, sc)
}

func (f *Func) ExecuteBusinessCoordination(ctx context.Context, req CoordinationRequest) (CoordinationResponse, error) {
	return Envelope(ctx, f, req)
}

func (f *Func) ValidateInput(input any) ValidationResult {
	if f.Validate == nil {
		return Valid()
	}
	return f.Validate(input)
}

func (f *Func) HandleError(err error, ec ErrorContext) Recovery {
	if f.OnError == nil {
		return DefaultRecovery(err)
	}
	return f.OnError(err, ec)
}

func (f *Func) Cleanup(ctx context.Context) error {
	if f.Close == nil {
		return nil
	}
	return f.Close(ctx)
}
