package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/netsblox/cloud-topology/internal/topology"
)

// Postgres implements topology.ProjectStore and topology.MessageStore atop
// gorm.io/driver/postgres. Schema comes from AutoMigrate over the row
// types, not hand-written migration files.
type Postgres struct {
	db *gorm.DB
}

// Connect opens a gorm connection to dsn and migrates every row type in
// AllModels.
func Connect(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("migrate postgres schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toMetadata(row *projectRow) *topology.ProjectMetadata {
	roles := make(map[topology.RoleID]topology.RoleMetadata, len(row.Roles))
	for _, r := range row.Roles {
		roles[topology.RoleID(r.RoleID)] = topology.RoleMetadata{Name: r.Name}
	}

	traces := make([]topology.NetworkTrace, 0, len(row.Traces))
	for _, tr := range row.Traces {
		traces = append(traces, topology.NetworkTrace{ID: tr.TraceID, StartTime: tr.StartTime, EndTime: tr.EndTime})
	}

	var collaborators []string
	if row.Collaborators != "" {
		collaborators = strings.Split(row.Collaborators, ",")
	}

	return &topology.ProjectMetadata{
		ID:            topology.ProjectID(row.ID),
		Owner:         row.Owner,
		Name:          row.Name,
		Collaborators: collaborators,
		Roles:         roles,
		SaveState:     topology.SaveState(row.SaveState),
		NetworkTraces: traces,
	}
}

func (p *Postgres) FindByOwnerName(ctx context.Context, owner, name string) (*topology.ProjectMetadata, error) {
	var row projectRow
	err := p.db.WithContext(ctx).
		Preload("Roles").Preload("Traces").
		Where("owner = ? AND name = ?", owner, name).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toMetadata(&row), nil
}

func (p *Postgres) FindByID(ctx context.Context, id topology.ProjectID) (*topology.ProjectMetadata, error) {
	var row projectRow
	err := p.db.WithContext(ctx).
		Preload("Roles").Preload("Traces").
		Where("id = ?", string(id)).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toMetadata(&row), nil
}

func (p *Postgres) ActivateRoom(ctx context.Context, id topology.ProjectID) error {
	res := p.db.WithContext(ctx).Model(&projectRow{}).
		Where("id = ? AND save_state = ?", string(id), string(topology.SaveStateCreated)).
		Update("save_state", string(topology.SaveStateTransient))
	return res.Error
}

func (p *Postgres) StartTrace(ctx context.Context, id topology.ProjectID, traceID string, start time.Time) error {
	row := networkTraceRow{ProjectID: string(id), TraceID: traceID, StartTime: start}
	return p.db.WithContext(ctx).Create(&row).Error
}

func (p *Postgres) StopTrace(ctx context.Context, id topology.ProjectID, traceID string, end time.Time) error {
	res := p.db.WithContext(ctx).Model(&networkTraceRow{}).
		Where("project_id = ? AND trace_id = ?", string(id), traceID).
		Update("end_time", end)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return topology.ErrTraceNotFound
	}
	return nil
}

func (p *Postgres) DeleteTrace(ctx context.Context, id topology.ProjectID, traceID string) error {
	res := p.db.WithContext(ctx).
		Where("project_id = ? AND trace_id = ?", string(id), traceID).
		Delete(&networkTraceRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return topology.ErrTraceNotFound
	}
	return nil
}

func (p *Postgres) Record(ctx context.Context, msg topology.SentMessage) error {
	recipients := make([]string, 0, len(msg.Recipients))
	for _, r := range msg.Recipients {
		recipients = append(recipients, string(r))
	}

	var kind string
	switch msg.Source.Kind {
	case topology.StateBrowser:
		kind = "browser"
	case topology.StateExternal:
		kind = "external"
	default:
		kind = "none"
	}

	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("marshal message content: %w", err)
	}

	row := sentMessageRow{
		ProjectID:  string(msg.ProjectID),
		SourceID:   string(msg.SourceID),
		SourceKind: kind,
		Recipients: strings.Join(recipients, ","),
		SentAt:     msg.Time,
		MsgType:    msg.MsgType,
		Content:    string(content),
	}
	return p.db.WithContext(ctx).Create(&row).Error
}

func (p *Postgres) Fetch(ctx context.Context, project topology.ProjectID, start time.Time, end *time.Time) ([]topology.SentMessage, error) {
	q := p.db.WithContext(ctx).Where("project_id = ? AND sent_at >= ?", string(project), start)
	if end != nil {
		q = q.Where("sent_at < ?", *end)
	}

	var rows []sentMessageRow
	if err := q.Order("sent_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]topology.SentMessage, 0, len(rows))
	for _, row := range rows {
		var recipients []topology.ClientID
		if row.Recipients != "" {
			for _, r := range strings.Split(row.Recipients, ",") {
				recipients = append(recipients, topology.ClientID(r))
			}
		}
		out = append(out, topology.SentMessage{
			ProjectID:  topology.ProjectID(row.ProjectID),
			SourceID:   topology.ClientID(row.SourceID),
			Recipients: recipients,
			Time:       row.SentAt,
			MsgType:    row.MsgType,
			Content:    json.RawMessage(row.Content),
		})
	}
	return out, nil
}

func (p *Postgres) DeleteBefore(ctx context.Context, project topology.ProjectID, cutoff time.Time) error {
	return p.db.WithContext(ctx).
		Where("project_id = ? AND sent_at < ?", string(project), cutoff).
		Delete(&sentMessageRow{}).Error
}
