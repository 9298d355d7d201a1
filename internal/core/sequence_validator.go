package core

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrSequenceGap = errors.New("sequence gap")
	ErrOutOfOrder  = errors.New("out-of-order command")
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// ValidateSequence checks source sequence ordering and advances the
// partition on success. Stale sequences are only tolerated for duplicates.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("%w: partition=%s, key=%s, expected=%d, got=%d",
			ErrOutOfOrder, partition, idempotencyKey, expected, sourceSequence)
	}

	if sourceSequence == expected {
		// A duplicate at the head still uses its slot.
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	sv.metrics.RecordGap(partition)
	return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
		ErrSequenceGap, partition, expected, sourceSequence)
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions returns every partition's next expected sequence.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for p, seq := range sv.expectedNextSeq {
		out[p] = seq
	}
	return out
}

// Partitions returns partition names in sorted order.
func (sv *SequenceValidator) Partitions() []string {
	out := make([]string, 0, len(sv.expectedNextSeq))
	for p := range sv.expectedNextSeq {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// GetMetrics returns metrics for monitoring
func (sv *SequenceValidator) GetMetrics() *SequenceMetrics {
	return sv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type SequenceMetrics struct {
	gaps       map[string]int64
	outOfOrder map[string]int64
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}
