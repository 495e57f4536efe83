package collaborators

import "time"

// Collaborator grants a user access to a document owned by someone else.
type Collaborator struct {
	ID        string    `gorm:"column:id;primaryKey;size:36;not null" json:"id"`
	Document  string    `gorm:"column:document;size:190;not null;uniqueIndex:idx_collaborators_pair,priority:1" json:"document"`
	Username  string    `gorm:"column:username;size:190;not null;uniqueIndex:idx_collaborators_pair,priority:2;index:idx_collaborators_username" json:"collaborator"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Collaborator) TableName() string {
	return "collaborators"
}
