package command

import "context"

// Func adapts a pair of functions into a Command.
type Func struct {
	Desc   string
	ExecFn func(ctx context.Context) error
	UndoFn func(ctx context.Context) error
}

// NewFunc builds a Func command. undo may be nil for commands with no reversal.
func NewFunc(desc string, exec, undo func(ctx context.Context) error) *Func {
	return &Func{Desc: desc, ExecFn: exec, UndoFn: undo}
}

func (f *Func) Execute(ctx context.Context) error {
	if f.ExecFn == nil {
		return nil
	}
	return f.ExecFn(ctx)
}

func (f *Func) Undo(ctx context.Context) error {
	if f.UndoFn == nil {
		return nil
	}
	return f.UndoFn(ctx)
}

func (f *Func) Description() string { return f.Desc }
