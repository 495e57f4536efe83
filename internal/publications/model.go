package publications

import "time"

const stateActive = "active"

// Publication exposes a document version inside a network.
type Publication struct {
	ID        string    `gorm:"column:id;primaryKey;size:36;not null" json:"id"`
	Network   string    `gorm:"column:network;size:190;not null;uniqueIndex:idx_publications_pair,priority:1" json:"network"`
	Document  string    `gorm:"column:document;size:190;not null;uniqueIndex:idx_publications_pair,priority:2;index:idx_publications_document" json:"document"`
	Version   int64     `gorm:"column:version;not null;default:0" json:"version"`
	Creator   string    `gorm:"column:creator;size:190;not null" json:"creator"`
	State     string    `gorm:"column:state;size:32;not null" json:"state"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Publication) TableName() string {
	return "publications"
}

// Network is a named space documents are published into.
type Network struct {
	ID          string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Name        string    `gorm:"column:name;size:320;not null" json:"name"`
	Description string    `gorm:"column:descr" json:"descr,omitempty"`
	Cover       string    `gorm:"column:cover" json:"cover,omitempty"`
	Color       string    `gorm:"column:color;size:32" json:"color,omitempty"`
	Creator     string    `gorm:"column:creator;size:190;not null" json:"creator"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Network) TableName() string {
	return "networks"
}
