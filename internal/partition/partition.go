// Package partition spreads a workflow type's instances across parallel
// runner processes. A workflow id's partition is the full 128-bit MD5
// digest of the id taken modulo the partition count, so membership is
// stable for the life of the id and every process computes it the same way.
//
// The package also owns the offset bookkeeping for resizing a partition
// fleet: Rebalance moves durable reader offsets between the old and new
// layouts, and Coordinator runs the synchronized drain protocol against the
// scaling_operations table.
package partition

import (
	"crypto/md5"
	"fmt"
	"math/big"
)

// Index returns the partition workflowID belongs to in a fleet of total
// runners. total must be positive.
func Index(workflowID string, total int) int {
	sum := md5.Sum([]byte(workflowID))
	n := new(big.Int).SetBytes(sum[:])
	return int(new(big.Int).Mod(n, big.NewInt(int64(total))).Int64())
}

// Predicate returns a filter that keeps only workflow ids belonging to the
// given partition. total 1 keeps everything.
func Predicate(index, total int) (func(workflowID string) bool, error) {
	if total <= 0 {
		return nil, fmt.Errorf("partition: total must be positive, got %d", total)
	}
	if index < 0 || index >= total {
		return nil, fmt.Errorf("partition: index %d out of range [0,%d)", index, total)
	}
	if total == 1 {
		return func(string) bool { return true }, nil
	}
	return func(workflowID string) bool {
		return Index(workflowID, total) == index
	}, nil
}

// ReaderName formats the durable offset key for one partition's runner.
// Single-partition fleets use the plain runner name instead.
func ReaderName(workflowType string, index, total int) string {
	return fmt.Sprintf("%s_runner_partition_%d_of_%d", workflowType, index, total)
}

// RunnerName is the durable offset key of an unpartitioned runner.
func RunnerName(workflowType string) string {
	return workflowType + "_runner"
}

// Config pins one slot of a partitioned runner fleet.
type Config struct {
	WorkflowType string
	Index        int
	Total        int
}

// ReaderName returns the durable offset key for this slot.
func (c Config) ReaderName() string {
	return ReaderName(c.WorkflowType, c.Index, c.Total)
}

// Predicate returns the id filter for this slot.
func (c Config) Predicate() (func(workflowID string) bool, error) {
	return Predicate(c.Index, c.Total)
}

// Configs enumerates all slots of a fleet of the given size.
func Configs(workflowType string, total int) ([]Config, error) {
	if total <= 0 {
		return nil, fmt.Errorf("partition: total must be positive, got %d", total)
	}
	out := make([]Config, 0, total)
	for i := 0; i < total; i++ {
		out = append(out, Config{WorkflowType: workflowType, Index: i, Total: total})
	}
	return out, nil
}

// names returns the reader names of a whole fleet. A fleet of one is the
// plain runner name so resizing to or from a single runner moves its offset
// too.
func names(workflowType string, total int) []string {
	if total == 1 {
		return []string{RunnerName(workflowType)}
	}
	out := make([]string, 0, total)
	for i := 0; i < total; i++ {
		out = append(out, ReaderName(workflowType, i, total))
	}
	return out
}
