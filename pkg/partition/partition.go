// Package partition groups a stream of items into same-key chunks.
//
// A Partitioner buffers items into one bucket per key and hands a bucket to the
// emit callback when either a bucket reaches ChunkSize, the total number of
// buffered items reaches MaxUnprocessed, or a new key would exceed MaxBuckets.
// In the last two cases the largest bucket is emitted. Flush emits whatever is
// left in first-seen key order. With no limits set, everything is buffered until Flush.
//
// Chunking works well when the input has long runs of the same key, or when
// MaxUnprocessed/ChunkSize (or MaxBuckets) is comparable to the number of
// distinct keys; otherwise emitted chunks tend to be smaller than ChunkSize.
package partition

import (
	"errors"
	"fmt"
	"iter"
)

// Options bound the buffering. Zero means unbounded.
type Options struct {
	ChunkSize      int
	MaxUnprocessed int
	MaxBuckets     int
}

func (o Options) validate() error {
	var errs []error
	if o.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", o.ChunkSize))
	}
	if o.MaxUnprocessed < 0 {
		errs = append(errs, fmt.Errorf("max unprocessed must be positive, got %d", o.MaxUnprocessed))
	}
	if o.MaxBuckets < 0 {
		errs = append(errs, fmt.Errorf("max buckets must be positive, got %d", o.MaxBuckets))
	}
	return errors.Join(errs...)
}

// Partitioner buffers items by key. It is not safe for concurrent use.
type Partitioner[K comparable, T any] struct {
	opts    Options
	key     func(T) K
	emit    func(K, []T) error
	buckets map[K][]T
	order   []K // insertion order, keeps Flush deterministic
	pending int
}

// New creates a partitioner that calls emit for every completed bucket.
func New[K comparable, T any](opts Options, key func(T) K, emit func(K, []T) error) (*Partitioner[K, T], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Partitioner[K, T]{
		opts:    opts,
		key:     key,
		emit:    emit,
		buckets: make(map[K][]T),
	}, nil
}

// Add buffers one item, emitting buckets as the limits require.
func (p *Partitioner[K, T]) Add(item T) error {
	k := p.key(item)
	if _, ok := p.buckets[k]; !ok && p.opts.MaxBuckets > 0 && len(p.buckets) == p.opts.MaxBuckets {
		if err := p.popLargest(); err != nil {
			return err
		}
	}
	if _, ok := p.buckets[k]; !ok {
		p.order = append(p.order, k)
	}
	p.buckets[k] = append(p.buckets[k], item)
	p.pending++

	if p.opts.ChunkSize > 0 && len(p.buckets[k]) == p.opts.ChunkSize {
		// This bucket is necessarily the largest.
		return p.pop(k)
	}
	if p.opts.MaxUnprocessed > 0 && p.pending == p.opts.MaxUnprocessed {
		return p.popLargest()
	}
	return nil
}

// Flush emits all remaining buckets.
func (p *Partitioner[K, T]) Flush() error {
	for len(p.order) > 0 {
		if err := p.pop(p.order[0]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Partitioner[K, T]) popLargest() error {
	var (
		best K
		n    = -1
	)
	for _, k := range p.order {
		if l := len(p.buckets[k]); l > n {
			best, n = k, l
		}
	}
	if n < 0 {
		return nil
	}
	return p.pop(best)
}

func (p *Partitioner[K, T]) pop(k K) error {
	items := p.buckets[k]
	delete(p.buckets, k)
	for i, o := range p.order {
		if o == k {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.pending -= len(items)
	return p.emit(k, items)
}

// Run partitions a whole slice.
func Run[K comparable, T any](items []T, opts Options, key func(T) K, emit func(K, []T) error) error {
	p, err := New(opts, key, emit)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := p.Add(item); err != nil {
			return err
		}
	}
	return p.Flush()
}

// Chunks splits items into consecutive slices of at most size elements.
func Chunks[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		out = append(out, items[start:min(start+size, len(items))])
	}
	return out
}

// SumValues totals values by key.
func SumValues[K comparable](pairs iter.Seq2[K, int64]) map[K]int64 {
	totals := make(map[K]int64)
	for k, v := range pairs {
		totals[k] += v
	}
	return totals
}
