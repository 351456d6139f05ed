package ingestion

// DefaultBatchSize bounds how many candidates are reconciled and inserted together.
const DefaultBatchSize = 500

// batcher buffers candidates until capacity is reached.
type batcher struct {
	capacity int
	items    []candidate
}

func newBatcher(capacity int) *batcher {
	if capacity <= 0 {
		capacity = DefaultBatchSize
	}
	return &batcher{capacity: capacity, items: make([]candidate, 0, capacity)}
}

// add buffers c and reports whether the batch is now full.
func (b *batcher) add(c candidate) bool {
	b.items = append(b.items, c)
	return len(b.items) >= b.capacity
}

// drain hands over the buffered candidates and resets the buffer.
func (b *batcher) drain() []candidate {
	items := b.items
	b.items = make([]candidate, 0, b.capacity)
	return items
}
