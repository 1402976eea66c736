package blobstore

import "time"

// Object is a single stored value; JSON documents and binary assets share the table.
type Object struct {
	StoreName   string    `gorm:"column:store_name;primaryKey;size:64;not null"`
	Key         string    `gorm:"column:object_key;primaryKey;size:768;not null"`
	ContentType string    `gorm:"column:content_type;size:128;not null;default:''"`
	Data        []byte    `gorm:"column:data;type:blob"`
	Size        int64     `gorm:"column:size_bytes;not null;default:0"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Object) TableName() string {
	return "blob_objects"
}
