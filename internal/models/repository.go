package models

import (
	"time"
)

// Repository is a borg repository this server manages. The passphrase is
// stored sealed; decryption happens in the database manager on lookup.
type Repository struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	Name                string    `gorm:"uniqueIndex;not null;type:varchar(255)" json:"name"`
	Path                string    `gorm:"not null;type:varchar(500)" json:"path"`
	EncryptedPassphrase string    `gorm:"not null;type:text" json:"-"`
	Compression         string    `gorm:"type:varchar(50);default:'zstd'" json:"compression"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (Repository) TableName() string {
	return "repositories"
}
