package monitor

import "github.com/onnwee/stream-herald/twitchapi"

// PlanBatches partitions the deduplicated channel set into upstream-sized
// batches. The union of the batches equals the input exactly: no channel
// omitted, none duplicated. An empty input yields zero batches and the cycle
// becomes a no-op (no upstream call, no token refresh).
func PlanBatches(channels []string, size int) [][]string {
	if size <= 0 {
		size = twitchapi.MaxLoginsPerRequest
	}
	seen := make(map[string]struct{}, len(channels))
	deduped := channels[:0:0]
	for _, c := range channels {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		deduped = append(deduped, c)
	}
	if len(deduped) == 0 {
		return nil
	}
	batches := make([][]string, 0, (len(deduped)+size-1)/size)
	for start := 0; start < len(deduped); start += size {
		end := start + size
		if end > len(deduped) {
			end = len(deduped)
		}
		batches = append(batches, deduped[start:end])
	}
	return batches
}
