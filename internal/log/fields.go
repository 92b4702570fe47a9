package log

// Canonical field names for structured logging.
const (
	FieldComponent = "component"
	FieldEvent     = "event"
	FieldStartID   = "start_id"
	FieldUpdateID  = "update_id"
	FieldCommandID = "command_id"
	FieldPID       = "pid"
	FieldLine      = "line"
	FieldOldState  = "old_state"
	FieldNewState  = "new_state"
	FieldSchedule  = "schedule_id"
)
