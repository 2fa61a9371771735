package persist

import "time"

// StepResultEntity is the GORM row backing a TaskStepResult. Uniqueness
// on (user_id, task_id, step_index) makes Persist idempotent under
// redelivery (§4.9).
type StepResultEntity struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"column:user_id;index:idx_step_results_key,unique"`
	TaskID    string `gorm:"column:task_id;index:idx_step_results_key,unique"`
	StepIndex int    `gorm:"column:step_index;index:idx_step_results_key,unique"`

	Step      string `gorm:"column:step"`
	Result    []byte `gorm:"column:result"`
	Completed bool   `gorm:"column:completed"`
	Message   string `gorm:"column:message"`
	Status    string `gorm:"column:status"`

	ErrorCode    string `gorm:"column:error_code"`
	ErrorMessage string `gorm:"column:error_message"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (StepResultEntity) TableName() string { return "task_step_results" }

// TaskIndexEntity is the auxiliary (user_id, task_id) -> status row.
type TaskIndexEntity struct {
	UserID    string    `gorm:"column:user_id;primaryKey"`
	TaskID    string    `gorm:"column:task_id;primaryKey"`
	Status    string    `gorm:"column:status"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (TaskIndexEntity) TableName() string { return "task_index" }

// Heartbeat tracks the last-alive signal for an in-flight task so the
// requeue monitor can detect crashed workers. Envelope carries the
// original Message.InputData so a stale task can be redelivered without
// the monitor needing to reconstruct its step tree from elsewhere.
type Heartbeat struct {
	UserID        string    `gorm:"column:user_id;primaryKey"`
	TaskID        string    `gorm:"column:task_id;primaryKey"`
	Queue         string    `gorm:"column:queue"`
	Envelope      []byte    `gorm:"column:envelope"`
	Attempts      int       `gorm:"column:attempts"`
	LastHeartbeat time.Time `gorm:"column:last_heartbeat"`
}

func (Heartbeat) TableName() string { return "task_heartbeats" }
