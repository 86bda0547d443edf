package reduce

import "fmt"

// Chunk is a contiguous range [Start, Start+Size) of the total work assigned to one worker.
type Chunk struct {
	Start int64 `json:"start"`
	Size  int64 `json:"size"`
}

// End returns the exclusive upper bound of the chunk.
func (c Chunk) End() int64 {
	return c.Start + c.Size
}

func (c Chunk) String() string {
	return fmt.Sprintf("[%d,%d)", c.Start, c.End())
}

// TotalWork is the size of the whole reduction. The chunk size is fixed per worker,
// so the total scales with the worker count.
func TotalWork(chunkSize int64, workers int) int64 {
	return chunkSize * int64(workers)
}

// Partition splits [0, chunkSize*workers) into workers chunks of chunkSize each,
// in ascending order. Callers must reject non-positive inputs first; Partition
// returns nil for them.
func Partition(chunkSize int64, workers int) []Chunk {
	if chunkSize <= 0 || workers <= 0 {
		return nil
	}

	chunks := make([]Chunk, workers)
	for i := range chunks {
		chunks[i] = Chunk{Start: int64(i) * chunkSize, Size: chunkSize}
	}
	return chunks
}
