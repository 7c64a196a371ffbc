package connection

import (
	"context"
	"errors"

	"practice-sync/internal/metrics"
	"practice-sync/internal/models"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// Connection lifecycle events.
const (
	eventConnect    = "connect"
	eventOpen       = "open"
	eventFail       = "fail"
	eventGiveUp     = "give_up"
	eventDisconnect = "disconnect"
)

var (
	stateDisconnected = string(models.StateDisconnected)
	stateConnecting   = string(models.StateConnecting)
	stateConnected    = string(models.StateConnected)
	stateReconnecting = string(models.StateReconnecting)
)

func newStateMachine(log *zap.SugaredLogger) *fsm.FSM {
	all := []string{stateDisconnected, stateConnecting, stateConnected, stateReconnecting}

	return fsm.NewFSM(
		stateDisconnected,
		fsm.Events{
			{Name: eventConnect, Src: all, Dst: stateConnecting},
			{Name: eventOpen, Src: []string{stateConnecting}, Dst: stateConnected},
			{Name: eventFail, Src: []string{stateConnecting, stateConnected}, Dst: stateReconnecting},
			{Name: eventGiveUp, Src: all, Dst: stateDisconnected},
			{Name: eventDisconnect, Src: all, Dst: stateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				metrics.SetConnectionState(models.ConnectionState(e.Dst).Gauge())
				log.Debugw("Connection state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
}

// fire applies a lifecycle event. Firing an event that leaves the state
// unchanged is not an error.
func fire(machine *fsm.FSM, event string, log *zap.SugaredLogger) {
	err := machine.Event(context.Background(), event)
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	log.Warnw("Rejected connection state transition", "event", event, "state", machine.Current(), "error", err)
}
