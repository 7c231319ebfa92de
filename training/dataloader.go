package training

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/tensor"
)

// Box is one ground-truth object in normalized image coordinates.
type Box struct {
	XMin  float32
	YMin  float32
	XMax  float32
	YMax  float32
	Label int
}

// Annotations holds every object of a single image.
type Annotations []Box

// Sample is a single decoded image [C,H,W] with its annotations.
type Sample struct {
	Image   *tensor.Tensor
	Targets Annotations
}

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int
	Get(idx int) (Sample, error)
}

// Batch is a collated group of samples: Images is [N,C,H,W] and Targets has
// one entry per image.
type Batch struct {
	Images  *tensor.Tensor
	Targets []Annotations
}

// Supplier produces batches for one pass at a time. Next reports ok=false
// once the pass is exhausted; Reset begins a new pass.
type Supplier interface {
	Next(ctx context.Context) (batch *Batch, ok bool, err error)
	Reset() error
}

// DataLoaderConfig holds configuration for the data loader
type DataLoaderConfig struct {
	BatchSize     int
	Shuffle       bool
	Workers       int // 0 loads batches on the calling goroutine
	PrefetchDepth int // batches buffered ahead of the consumer (default: 2*Workers)
	Seed          int64
}

type loadResult struct {
	batch *Batch
	err   error
}

type loadJob struct {
	indices []int
	out     chan loadResult
}

// DataLoader provides batching, shuffling, and background loading over a
// Dataset. Batches within a pass are delivered in index order regardless of
// which worker collated them.
type DataLoader struct {
	dataset Dataset
	config  DataLoaderConfig
	rng     *rand.Rand
	indices []int

	mutex    sync.Mutex
	started  bool
	position int // synchronous mode only
	pending  chan chan loadResult
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, config DataLoaderConfig) (*DataLoader, error) {
	if dataset == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Workers < 0 {
		return nil, errors.Errorf("worker count must be non-negative, got %d", config.Workers)
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 2 * config.Workers
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		dataset: dataset,
		config:  config,
		rng:     rand.New(rand.NewSource(config.Seed)),
		indices: indices,
	}
	dl.shuffle()
	return dl, nil
}

// Len returns the number of batches in a pass. The last batch may be short.
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.config.BatchSize - 1) / dl.config.BatchSize
}

func (dl *DataLoader) shuffle() {
	if !dl.config.Shuffle {
		return
	}
	dl.rng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
}

func (dl *DataLoader) batchIndices(b int) []int {
	start := b * dl.config.BatchSize
	end := start + dl.config.BatchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}
	out := make([]int, end-start)
	copy(out, dl.indices[start:end])
	return out
}

// Next returns the next batch of the current pass, starting the pass on first
// use. ok is false once every batch of the pass has been delivered.
func (dl *DataLoader) Next(ctx context.Context) (*Batch, bool, error) {
	dl.mutex.Lock()
	if !dl.started {
		dl.startPass()
	}
	pending := dl.pending
	dl.mutex.Unlock()

	if dl.config.Workers == 0 {
		return dl.nextSync()
	}

	var slot chan loadResult
	var open bool
	select {
	case slot, open = <-pending:
		if !open {
			return nil, false, nil
		}
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	select {
	case res := <-slot:
		if res.err != nil {
			return nil, false, res.err
		}
		return res.batch, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (dl *DataLoader) nextSync() (*Batch, bool, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= dl.Len() {
		return nil, false, nil
	}
	indices := dl.batchIndices(dl.position)
	dl.position++

	batch, err := Collate(dl.dataset, indices)
	if err != nil {
		return nil, false, err
	}
	return batch, true, nil
}

// startPass launches the feeder and workers for one pass. Caller holds mutex.
func (dl *DataLoader) startPass() {
	dl.started = true
	dl.position = 0
	if dl.config.Workers == 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	pending := make(chan chan loadResult, dl.config.PrefetchDepth)
	jobs := make(chan loadJob, dl.config.PrefetchDepth)
	batches := make([][]int, dl.Len())
	for b := range batches {
		batches[b] = dl.batchIndices(b)
	}

	group.Go(func() error {
		defer close(jobs)
		defer close(pending)
		for _, indices := range batches {
			slot := make(chan loadResult, 1)
			select {
			case pending <- slot:
			case <-ctx.Done():
				return nil
			}
			select {
			case jobs <- loadJob{indices: indices, out: slot}:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})

	for w := 0; w < dl.config.Workers; w++ {
		group.Go(func() error {
			for job := range jobs {
				batch, err := Collate(dl.dataset, job.indices)
				job.out <- loadResult{batch: batch, err: err}
			}
			return nil
		})
	}

	dl.pending = pending
	dl.cancel = cancel
	dl.group = group
}

// stopPass cancels in-flight loading and waits for the goroutines. Caller
// holds mutex.
func (dl *DataLoader) stopPass() {
	if dl.cancel != nil {
		dl.cancel()
		// the feeder may be parked on a full pending buffer; drain it so the
		// cancellation is observed
		for range dl.pending {
		}
		_ = dl.group.Wait()
	}
	dl.cancel = nil
	dl.group = nil
	dl.pending = nil
	dl.started = false
}

// Reset ends the current pass and reshuffles; the next call to Next starts a
// fresh pass.
func (dl *DataLoader) Reset() error {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.stopPass()
	dl.shuffle()
	return nil
}

// Close releases background workers.
func (dl *DataLoader) Close() error {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.stopPass()
	return nil
}

// Collate loads the given samples and stacks their images into [N,C,H,W].
func Collate(dataset Dataset, indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, errors.New("empty batch indices")
	}

	var shape []int
	var data []float32
	targets := make([]Annotations, 0, len(indices))
	for _, idx := range indices {
		sample, err := dataset.Get(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load sample %d", idx)
		}
		if sample.Image == nil {
			return nil, errors.Errorf("sample %d has no image", idx)
		}
		if shape == nil {
			shape = sample.Image.Shape
			data = make([]float32, 0, len(indices)*sample.Image.NumElems)
		} else if !sameDims(shape, sample.Image.Shape) {
			return nil, errors.Errorf("sample %d image shape %v differs from %v", idx, sample.Image.Shape, shape)
		}
		data = append(data, sample.Image.Data...)
		targets = append(targets, sample.Targets)
	}

	images, err := tensor.New(append([]int{len(indices)}, shape...), data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stack images")
	}
	return &Batch{Images: images, Targets: targets}, nil
}

func sameDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
