package backupcodes

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/switchtrack/internal/users"
)

// Action names the sensitive operation a backup code is being spent on.
type Action string

const (
	ActionExportData    Action = "export_data"
	ActionDeleteAccount Action = "delete_account"
	// ActionAccountRecovery is spent by recovery flows outside this service that re-prove a
	// caller through POST /backup-codes/verify.
	ActionAccountRecovery Action = "account_recovery"
)

// ParseAction accepts only the known action tags.
func ParseAction(raw string) (Action, error) {
	action := Action(strings.ToLower(strings.TrimSpace(raw)))
	if !action.Valid() {
		return "", fmt.Errorf("%w: %q", users.ErrInvalidAction, raw)
	}
	return action, nil
}

// Valid reports whether the action is one of the known tags.
func (a Action) Valid() bool {
	switch a {
	case ActionExportData, ActionDeleteAccount, ActionAccountRecovery:
		return true
	default:
		return false
	}
}
