package database

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// TableStatus reports whether one persistent model has its table.
type TableStatus struct {
	Table  string
	Exists bool
}

// SchemaStatus lists every persistent table in creation order.
func SchemaStatus(ctx context.Context, db *gorm.DB) ([]TableStatus, error) {
	migrator := db.WithContext(ctx).Migrator()
	out := make([]TableStatus, 0, len(PersistentModels()))
	for _, m := range PersistentModels() {
		name, err := tableName(db, m)
		if err != nil {
			return nil, err
		}
		out = append(out, TableStatus{Table: name, Exists: migrator.HasTable(m)})
	}
	return out, nil
}

// DropAll drops every persistent table, dependents first.
func DropAll(ctx context.Context, db *gorm.DB) error {
	models := PersistentModels()
	migrator := db.WithContext(ctx).Migrator()
	for i := len(models) - 1; i >= 0; i-- {
		if err := migrator.DropTable(models[i]); err != nil {
			name, _ := tableName(db, models[i])
			return fmt.Errorf("drop %s: %w", name, err)
		}
	}
	return nil
}

func tableName(db *gorm.DB, model interface{}) (string, error) {
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(model); err != nil {
		return "", fmt.Errorf("parse model: %w", err)
	}
	return stmt.Schema.Table, nil
}
