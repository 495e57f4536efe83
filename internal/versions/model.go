package versions

import (
	"time"

	"gorm.io/datatypes"
)

// Version is a published snapshot of a document.
type Version struct {
	ID        string         `gorm:"column:id;primaryKey;size:36;not null" json:"id"`
	Document  string         `gorm:"column:document;size:190;not null;index:idx_versions_document" json:"document"`
	Version   int64          `gorm:"column:version;not null" json:"version"`
	Creator   string         `gorm:"column:creator;size:190;not null" json:"creator"`
	Data      datatypes.JSON `gorm:"column:data" json:"data"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Version) TableName() string {
	return "versions"
}
