package storage

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"prism-board/domain"
)

const (
	edmInt32    = "Edm.Int32"
	edmInt64    = "Edm.Int64"
	edmDateTime = "Edm.DateTime"

	// boardRowKey holds the per-user version row every write is conditioned on.
	// '~' sorts after any task id and never appears in a generated uuid.
	boardRowKey = "~board"
)

// entityKeys represents base table entity keys.
type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

// taskEntity is the full table representation of a task.
type taskEntity struct {
	entityKeys
	Title          string     `json:"Title"`
	Notes          string     `json:"Notes"`
	Priority       int        `json:"Priority"`
	DueDate        *time.Time `json:"DueDate,omitempty"`
	DueDateType    string     `json:"DueDate@odata.type,omitempty"`
	Status         string     `json:"Status"`
	OrderIndex     int        `json:"OrderIndex"`
	OrderIndexType string     `json:"OrderIndex@odata.type"`
}

// taskPosition is the merge payload used when only a task's lane or index changes.
type taskPosition struct {
	entityKeys
	Status         string `json:"Status"`
	OrderIndex     int    `json:"OrderIndex"`
	OrderIndexType string `json:"OrderIndex@odata.type"`
}

// boardEntity versions a user's board.
type boardEntity struct {
	entityKeys
	Version     int64  `json:"Version,string"`
	VersionType string `json:"Version@odata.type"`
}

// storedRow is a row read back from the table together with its ETag.
type storedRow struct {
	taskEntity
	ETag string `json:"odata.etag"`
}

func newTaskEntity(userID string, t domain.Task) taskEntity {
	ent := taskEntity{
		entityKeys:     entityKeys{PartitionKey: userID, RowKey: t.ID},
		Title:          t.Title,
		Notes:          t.Notes,
		Priority:       t.Priority,
		Status:         t.Status.String(),
		OrderIndex:     t.OrderIndex,
		OrderIndexType: edmInt32,
	}
	if t.DueDate != nil {
		due := t.DueDate.UTC().Truncate(time.Second)
		ent.DueDate = &due
		ent.DueDateType = edmDateTime
	}
	return ent
}

func (e taskEntity) toTask() (domain.Task, error) {
	status, err := domain.ParseStatus(e.Status)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", e.RowKey, err)
	}
	return domain.Task{
		ID:         e.RowKey,
		Title:      e.Title,
		Notes:      e.Notes,
		Priority:   e.Priority,
		DueDate:    e.DueDate,
		Status:     status,
		OrderIndex: e.OrderIndex,
	}, nil
}

func decodeRow(raw []byte) (storedRow, error) {
	var row storedRow
	if err := sonic.Unmarshal(raw, &row); err != nil {
		return storedRow{}, err
	}
	return row, nil
}
