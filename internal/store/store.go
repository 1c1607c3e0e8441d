package store

import (
	"context"
	"errors"
	"time"
)

// FixStore is a durable sink for accepted fixes.
type FixStore interface {
	AppendFix(ctx context.Context, imei string, lat, lon float64, ts int64) error
}

// BatchStore is implemented by sinks able to write many fixes in one round trip.
type BatchStore interface {
	AppendFixes(ctx context.Context, fixes []Fix) error
}

type Fix struct {
	IMEI      string  `json:"imei"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Timestamp int64   `json:"ts"` // milliseconds since epoch
}

func (f Fix) Time() time.Time {
	return time.UnixMilli(f.Timestamp)
}

type multi []FixStore

// Multi writes every fix to all stores and joins their errors.
func Multi(stores ...FixStore) FixStore {
	if len(stores) == 1 {
		return stores[0]
	}
	return multi(stores)
}

func (m multi) AppendFix(ctx context.Context, imei string, lat, lon float64, ts int64) error {
	var errs []error
	for _, s := range m {
		if err := s.AppendFix(ctx, imei, lat, lon, ts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AppendFixes hands the batch to every BatchStore and writes it fix by fix
// to the others.
func (m multi) AppendFixes(ctx context.Context, fixes []Fix) error {
	var errs []error
	for _, s := range m {
		if bs, ok := s.(BatchStore); ok {
			if err := bs.AppendFixes(ctx, fixes); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		for _, f := range fixes {
			if err := s.AppendFix(ctx, f.IMEI, f.Latitude, f.Longitude, f.Timestamp); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
