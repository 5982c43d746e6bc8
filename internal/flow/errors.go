package flow

import (
	"fmt"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/models"
)

// GateViolationError reports an attempt to run a flow other than Privacy
// before the user accepted the privacy notice. It is a programming error and
// never reaches the user.
type GateViolationError struct {
	UserID string
	Flow   models.FlowName
}

func (e *GateViolationError) Error() string {
	return fmt.Sprintf("flow %s invoked before privacy acceptance for user %s", e.Flow, e.UserID)
}

// PersistenceError reports that the user's state could not be loaded or
// saved. The message must be treated as failed so the transport can redeliver.
type PersistenceError struct {
	UserID string
	Op     string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s state for user %s: %v", e.Op, e.UserID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
