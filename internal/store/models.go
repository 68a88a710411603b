package store

import (
	"time"

	"gorm.io/gorm"
)

// projectRow and its child rows persist topology.ProjectMetadata: timestamp
// columns plus soft deletes on the parent, gorm tags driving the schema.
type projectRow struct {
	ID            string `gorm:"type:varchar(64);primaryKey"`
	Owner         string `gorm:"size:255;not null;index:idx_owner_name"`
	Name          string `gorm:"size:255;not null;index:idx_owner_name"`
	Collaborators string `gorm:"type:text"` // comma-separated; small lists, no join table needed
	SaveState     string `gorm:"size:16;not null;default:CREATED"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     gorm.DeletedAt `gorm:"index"`

	Roles  []projectRoleRow  `gorm:"foreignKey:ProjectID"`
	Traces []networkTraceRow `gorm:"foreignKey:ProjectID"`
}

func (projectRow) TableName() string { return "projects" }

type projectRoleRow struct {
	ProjectID string `gorm:"type:varchar(64);primaryKey"`
	RoleID    string `gorm:"type:varchar(64);primaryKey"`
	Name      string `gorm:"size:255;not null"`
}

func (projectRoleRow) TableName() string { return "project_roles" }

type networkTraceRow struct {
	ProjectID string `gorm:"type:varchar(64);primaryKey"`
	TraceID   string `gorm:"type:varchar(64);primaryKey"`
	StartTime time.Time
	EndTime   *time.Time
}

func (networkTraceRow) TableName() string { return "network_traces" }

// sentMessageRow persists topology.SentMessage. Content is stored as JSON
// since message payloads are arbitrary, caller-defined structures.
type sentMessageRow struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	ProjectID  string `gorm:"type:varchar(64);index:idx_project_time"`
	SourceID   string `gorm:"type:varchar(64)"`
	SourceKind string `gorm:"size:16"`
	Recipients string `gorm:"type:text"` // comma-separated ClientIDs
	SentAt     time.Time `gorm:"index:idx_project_time"`
	MsgType    string    `gorm:"size:255"`
	Content    string    `gorm:"type:jsonb"`
}

func (sentMessageRow) TableName() string { return "sent_messages" }

// AllModels lists every row type AutoMigrate should manage.
func AllModels() []any {
	return []any{
		&projectRow{},
		&projectRoleRow{},
		&networkTraceRow{},
		&sentMessageRow{},
	}
}
