package background

import "github.com/scripting-kit/ipadl/internal/logger"

// LogKeeper records transitions in the log. It is the keeper used when the
// process itself is the long-running host.
type LogKeeper struct {
	Log *logger.Logger
}

func (k LogKeeper) logger() *logger.Logger {
	if k.Log != nil {
		return k.Log
	}
	return logger.GetLogger()
}

func (k LogKeeper) Activate() error {
	k.logger().Info("keepalive acquired")
	return nil
}

func (k LogKeeper) Deactivate() error {
	k.logger().Info("keepalive released")
	return nil
}

// FuncKeeper adapts a pair of functions to Keeper. Nil funcs are no-ops.
type FuncKeeper struct {
	OnActivate   func() error
	OnDeactivate func() error
}

func (k FuncKeeper) Activate() error {
	if k.OnActivate == nil {
		return nil
	}
	return k.OnActivate()
}

func (k FuncKeeper) Deactivate() error {
	if k.OnDeactivate == nil {
		return nil
	}
	return k.OnDeactivate()
}
