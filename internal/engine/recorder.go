package engine

import (
	"context"
	"errors"
)

// Recorder receives every snapshot the engine produces.
type Recorder interface {
	RecordStep(ctx context.Context, s Snapshot) error
	RecordCollapse(ctx context.Context, s Snapshot) error
}

// MultiRecorder fans a snapshot out to every recorder and joins their errors.
type MultiRecorder []Recorder

func (m MultiRecorder) RecordStep(ctx context.Context, s Snapshot) error {
	var errs []error
	for _, r := range m {
		if err := r.RecordStep(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiRecorder) RecordCollapse(ctx context.Context, s Snapshot) error {
	var errs []error
	for _, r := range m {
		if err := r.RecordCollapse(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
