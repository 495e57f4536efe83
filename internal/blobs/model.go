package blobs

import "time"

// Blob is an opaque payload attached to a document.
type Blob struct {
	Document  string    `gorm:"column:document;primaryKey;size:190;not null" json:"document"`
	BlobID    string    `gorm:"column:blob_id;primaryKey;size:190;not null" json:"blob"`
	Data      []byte    `gorm:"column:data;not null" json:"data"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Blob) TableName() string {
	return "blobs"
}
