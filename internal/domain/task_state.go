package domain

import "fmt"

type TaskStatus string

const (
	TaskStatusDraft      TaskStatus = "DRAFT"
	TaskStatusFunded     TaskStatus = "FUNDED"
	TaskStatusAssigned   TaskStatus = "ASSIGNED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusSubmitted  TaskStatus = "SUBMITTED"
	TaskStatusApproved   TaskStatus = "APPROVED"
	TaskStatusRejected   TaskStatus = "REJECTED"
	TaskStatusRefunded   TaskStatus = "REFUNDED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

type TaskEvent string

const (
	EventFund    TaskEvent = "fund"
	EventAssign  TaskEvent = "assign"
	EventStart   TaskEvent = "start"
	EventSubmit  TaskEvent = "submit"
	EventApprove TaskEvent = "evaluate-approve"
	EventReject  TaskEvent = "evaluate-reject"
	EventExpire  TaskEvent = "deadline-expired"
	EventCancel  TaskEvent = "cancel"
)

// taskTransitions is the full lifecycle table. Self-loops let further
// worker slots be assigned, started and submitted on a task whose first
// slot already moved it forward.
var taskTransitions = map[TaskStatus]map[TaskEvent]TaskStatus{
	TaskStatusDraft: {
		EventFund:   TaskStatusFunded,
		EventCancel: TaskStatusCancelled,
	},
	TaskStatusFunded: {
		EventAssign: TaskStatusAssigned,
		EventExpire: TaskStatusRefunded,
		EventCancel: TaskStatusCancelled,
	},
	TaskStatusAssigned: {
		EventAssign: TaskStatusAssigned,
		EventStart:  TaskStatusInProgress,
		EventExpire: TaskStatusRefunded,
		EventCancel: TaskStatusCancelled,
	},
	TaskStatusInProgress: {
		EventAssign: TaskStatusInProgress,
		EventStart:  TaskStatusInProgress,
		EventSubmit: TaskStatusSubmitted,
	},
	TaskStatusSubmitted: {
		EventAssign:  TaskStatusSubmitted,
		EventStart:   TaskStatusSubmitted,
		EventSubmit:  TaskStatusSubmitted,
		EventApprove: TaskStatusApproved,
		EventReject:  TaskStatusRejected,
	},
	TaskStatusApproved:  {},
	TaskStatusRejected:  {},
	TaskStatusRefunded:  {},
	TaskStatusCancelled: {},
}

func ValidateTaskStatus(status TaskStatus) error {
	if _, ok := taskTransitions[status]; !ok {
		return fmt.Errorf("invalid task status: %q", status)
	}
	return nil
}

// NextTaskStatus resolves event against the lifecycle table.
func NextTaskStatus(from TaskStatus, event TaskEvent) (TaskStatus, error) {
	if err := ValidateTaskStatus(from); err != nil {
		return "", err
	}
	if event == EventFund && from != TaskStatusDraft {
		return "", ErrTaskNotDraft
	}
	to, ok := taskTransitions[from][event]
	if !ok {
		return "", ErrTransition(from, event)
	}
	return to, nil
}

func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusApproved, TaskStatusRejected, TaskStatusRefunded, TaskStatusCancelled:
		return true
	}
	return false
}

// Assignable reports whether new worker slots may still be handed out.
func (s TaskStatus) Assignable() bool {
	_, ok := taskTransitions[s][EventAssign]
	return ok
}

type SlotStatus string

const (
	SlotStatusAssigned   SlotStatus = "ASSIGNED"
	SlotStatusInProgress SlotStatus = "IN_PROGRESS"
	SlotStatusSubmitted  SlotStatus = "SUBMITTED"
	SlotStatusApproved   SlotStatus = "APPROVED"
	SlotStatusRejected   SlotStatus = "REJECTED"
	SlotStatusAbandoned  SlotStatus = "ABANDONED"
)

var slotTransitions = map[SlotStatus]map[TaskEvent]SlotStatus{
	SlotStatusAssigned: {
		EventStart:  SlotStatusInProgress,
		EventExpire: SlotStatusAbandoned,
		EventCancel: SlotStatusAbandoned,
	},
	SlotStatusInProgress: {
		EventSubmit: SlotStatusSubmitted,
		EventExpire: SlotStatusAbandoned,
		EventCancel: SlotStatusAbandoned,
	},
	SlotStatusSubmitted: {
		EventApprove: SlotStatusApproved,
		EventReject:  SlotStatusRejected,
	},
	SlotStatusApproved:  {},
	SlotStatusRejected:  {},
	SlotStatusAbandoned: {},
}

func NextSlotStatus(from SlotStatus, event TaskEvent) (SlotStatus, error) {
	next, ok := slotTransitions[from]
	if !ok {
		return "", fmt.Errorf("invalid slot status: %q", from)
	}
	to, ok := next[event]
	if !ok {
		return "", NewInvalidStateError(fmt.Sprintf("Slot in %s status cannot handle %s.", from, event))
	}
	return to, nil
}

func (s SlotStatus) IsSettled() bool {
	return s == SlotStatusApproved || s == SlotStatusRejected || s == SlotStatusAbandoned
}
