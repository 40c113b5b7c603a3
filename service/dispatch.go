package service

import (
	"errors"
	"fmt"

	"github.com/hupe1980/servicebus/core"
)

// ErrUnsupportedPayload is returned by Dispatch when the target has no
// handler for the envelope's payload kind.
var ErrUnsupportedPayload = errors.New("unsupported payload")

// DocumentHandler handles document payloads.
type DocumentHandler interface {
	HandleDocument(env *core.Envelope, doc *core.Document) bool
}

// EventHandler handles event payloads.
type EventHandler interface {
	HandleEvent(env *core.Envelope, ev *core.Event) bool
}

// CommandHandler handles command payloads itself instead of having them
// mapped onto its lifecycle.
type CommandHandler interface {
	HandleCommand(env *core.Envelope, cmd *core.Command) bool
}

// Dispatch switches on the payload kind and calls the matching handler on
// target. Commands without a CommandHandler run the corresponding lifecycle
// operation. The error is non-nil only when no handler exists.
func Dispatch(target core.LifeCycle, env *core.Envelope) (bool, error) {
	switch env.Kind() {
	case core.KindDocument:
		doc, _ := env.Document()
		if h, ok := target.(DocumentHandler); ok {
			return h.HandleDocument(env, doc), nil
		}
	case core.KindEvent:
		ev, _ := env.Event()
		if h, ok := target.(EventHandler); ok {
			return h.HandleEvent(env, ev), nil
		}
	case core.KindCommand:
		cmd, _ := env.Command()
		if h, ok := target.(CommandHandler); ok {
			return h.HandleCommand(env, cmd), nil
		}
		return RunCommand(target, cmd)
	}
	return false, fmt.Errorf("%w: %s", ErrUnsupportedPayload, env.Kind())
}

// RunCommand applies a lifecycle command to target.
func RunCommand(target core.LifeCycle, cmd *core.Command) (bool, error) {
	switch cmd.Command {
	case core.CommandStart:
		return target.Start(cmd.Properties), nil
	case core.CommandPause:
		return target.Pause(), nil
	case core.CommandUnpause:
		return target.Unpause(), nil
	case core.CommandRestart:
		return target.Restart(), nil
	case core.CommandShutdown:
		return target.Shutdown(), nil
	case core.CommandGracefulShutdown:
		return target.GracefulShutdown(), nil
	default:
		return false, fmt.Errorf("%w: command %s", ErrUnsupportedPayload, cmd.Command)
	}
}
