package localstore

// Record stores one object of a local table as JSON.
type Record struct {
	Table            string `gorm:"column:table_name;primaryKey;size:63;not null"`
	ObjectID         int64  `gorm:"column:object_id;primaryKey;autoIncrement:false"`
	DetailsJSON      string `gorm:"column:details;type:text;not null"`
	Deleted          bool   `gorm:"column:deleted;not null;default:false;index"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "local_records"
}
