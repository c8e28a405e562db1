package database

import (
	"context"

	"gorm.io/gorm"
)

type TrainingFilter struct {
	Destination string
	Limit       int
}

// ListTrainings returns recorded trainings, newest first.
func ListTrainings(ctx context.Context, txn *gorm.DB, filter TrainingFilter) ([]Training, error) {
	query := txn.WithContext(ctx).Order("creation_time DESC")
	if filter.Destination != "" {
		query = query.Where("destination = ?", filter.Destination)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var trainings []Training
	if err := query.Find(&trainings).Error; err != nil {
		return nil, err
	}
	return trainings, nil
}
