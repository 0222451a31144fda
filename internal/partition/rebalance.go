package partition

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/store"
	"github.com/doomervibe/fleuve/internal/workflow"
)

// Rebalance moves durable reader offsets from the oldTotal layout to the
// newTotal layout. It must run while every runner of the type is stopped.
//
// Scale-up: slots that exist in both layouts carry their offset over; added
// slots start from the minimum old offset so no event is skipped, at the
// cost of re-processing bounded by the offset spread. Scale-down: surviving
// slots take max(own, max over removed slots); workflows that migrate off a
// removed slot are re-processed from that point. Old-layout rows are
// deleted so they cannot pin truncation.
//
// Returns the reader names created under the new layout and the old-layout
// names that were removed.
func Rebalance(ctx context.Context, st store.Store, workflowType string, oldTotal, newTotal int, logger *zap.Logger) (added, removed []string, err error) {
	if oldTotal <= 0 || newTotal <= 0 {
		return nil, nil, fmt.Errorf("partition: totals must be positive, got %d -> %d", oldTotal, newTotal)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if oldTotal == newTotal {
		return nil, nil, nil
	}

	oldNames := names(workflowType, oldTotal)
	offsets := make(map[string]int64, len(oldNames))
	for _, name := range oldNames {
		off, err := readOffset(ctx, st, name)
		if err != nil {
			return nil, nil, err
		}
		offsets[name] = off
	}

	carried := oldTotal
	if newTotal < carried {
		carried = newTotal
	}

	var floor int64
	if newTotal > oldTotal {
		// Added slots start from the slowest old reader.
		floor = offsets[oldNames[0]]
		for _, name := range oldNames[1:] {
			if offsets[name] < floor {
				floor = offsets[name]
			}
		}
	} else {
		// Survivors must cover everything the removed slots had seen.
		for _, name := range oldNames[newTotal:] {
			if offsets[name] > floor {
				floor = offsets[name]
			}
		}
	}

	newNames := names(workflowType, newTotal)
	for i, name := range newNames {
		value := floor
		if i < carried {
			own := offsets[oldNames[i]]
			if newTotal > oldTotal {
				value = own
			} else if own > value {
				value = own
			}
		}
		if err := st.UpsertOffset(ctx, name, value); err != nil {
			return nil, nil, fmt.Errorf("init offset %s: %w", name, err)
		}
		added = append(added, name)
		logger.Info("Partition offset initialized",
			zap.String("reader", name), zap.Int64("offset", value))
	}

	for _, name := range oldNames {
		if err := st.DeleteOffset(ctx, name); err != nil {
			return added, removed, fmt.Errorf("remove offset %s: %w", name, err)
		}
		removed = append(removed, name)
	}

	logger.Info("Partitions rebalanced",
		zap.String("workflow_type", workflowType),
		zap.Int("old_total", oldTotal),
		zap.Int("new_total", newTotal),
		zap.Int64("floor", floor))
	return added, removed, nil
}

// readOffset treats a missing row as position zero.
func readOffset(ctx context.Context, st store.Store, name string) (int64, error) {
	off, err := st.GetOffset(ctx, name)
	if errors.Is(err, workflow.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read offset %s: %w", name, err)
	}
	return off, nil
}

// MinOffset returns the smallest committed offset across the given readers.
// Missing rows count as zero.
func MinOffset(ctx context.Context, st store.Store, readerNames []string) (int64, error) {
	if len(readerNames) == 0 {
		return 0, nil
	}
	min, err := readOffset(ctx, st, readerNames[0])
	if err != nil {
		return 0, err
	}
	for _, name := range readerNames[1:] {
		off, err := readOffset(ctx, st, name)
		if err != nil {
			return 0, err
		}
		if off < min {
			min = off
		}
	}
	return min, nil
}

// MaxOffset returns the largest committed offset across the given readers.
func MaxOffset(ctx context.Context, st store.Store, readerNames []string) (int64, error) {
	var max int64
	for _, name := range readerNames {
		off, err := readOffset(ctx, st, name)
		if err != nil {
			return 0, err
		}
		if off > max {
			max = off
		}
	}
	return max, nil
}
