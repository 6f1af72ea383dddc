package queue

// Operation distinguishes how the captured write came about.
type Operation string

const (
	// OperationInsert marks a row that had no prior value at capture time.
	OperationInsert Operation = "insert"
	// OperationUpdate marks a row that replaced an existing value.
	OperationUpdate Operation = "update"
)

// Status tracks a change record through the processing lifecycle.
type Status string

const (
	// StatusPending marks a record awaiting processing (or retry).
	StatusPending Status = "pending"
	// StatusSynced marks a record durably applied to the replica.
	StatusSynced Status = "synced"
	// StatusFailed marks a record that exhausted its attempt budget.
	StatusFailed Status = "failed"
)

// ChangeRecord is one pending unit of primary-to-replica propagation work.
// Records are append-only: the same logical row changing twice produces two
// records, applied in id order. Only status, attempts and last_error mutate
// after creation.
type ChangeRecord struct {
	ID               uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	EntityType       string    `gorm:"column:entity_type;size:64;not null;index:idx_change_records_status,priority:2"`
	RecordID         string    `gorm:"column:record_id;size:190;not null"`
	Operation        Operation `gorm:"column:op;size:16;not null"`
	PayloadJSON      string    `gorm:"column:payload_json;type:text;not null"`
	Status           Status    `gorm:"column:status;size:16;not null;index:idx_change_records_status,priority:1"`
	Attempts         int       `gorm:"column:attempts;not null;default:0"`
	LastError        *string   `gorm:"column:last_error;type:text"`
	CreatedAtSeconds int64     `gorm:"column:created_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeRecord) TableName() string {
	return "change_records"
}

// StatusCount is one row of the per-entity status breakdown.
type StatusCount struct {
	EntityType string `gorm:"column:entity_type"`
	Status     Status `gorm:"column:status"`
	Count      int64  `gorm:"column:count"`
}
