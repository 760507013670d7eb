package store

import "qms/waitlist-service/internal/models"

const (
	ActionCall    = "call"
	ActionConfirm = "confirm"
	ActionTimeout = "timeout"
	ActionFinish  = "finish"
	ActionRemove  = "remove"
	ActionLeave   = "leave"
)

var transitionMap = map[string][]string{
	ActionCall:    {models.StatusWaiting},
	ActionConfirm: {models.StatusCalled},
	ActionTimeout: {models.StatusCalled},
	ActionFinish:  {models.StatusCalled},
	ActionRemove:  {models.StatusWaiting, models.StatusCalled},
	ActionLeave:   {models.StatusWaiting},
}

var actionTargets = map[string]string{
	ActionCall:    models.StatusCalled,
	ActionConfirm: models.StatusSeated,
	ActionTimeout: models.StatusWaiting,
	ActionFinish:  models.StatusSeated,
	ActionRemove:  models.StatusLeft,
	ActionLeave:   models.StatusLeft,
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

func TargetStatus(action string) (string, bool) {
	status, ok := actionTargets[action]
	return status, ok
}

// ActionForStatus maps an admin "set status" request onto the staff-side event.
func ActionForStatus(status string) (string, bool) {
	switch status {
	case models.StatusCalled:
		return ActionCall, true
	case models.StatusSeated:
		return ActionFinish, true
	case models.StatusLeft:
		return ActionRemove, true
	case models.StatusWaiting:
		return ActionTimeout, true
	default:
		return "", false
	}
}
