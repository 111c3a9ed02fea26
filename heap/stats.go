package heap

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/modulus-lang/memory/memutils"
)

// Statistics returns a cheap summary of the heap's byte accounting. It is all zeroes when
// no region exists.
func (h *Heap) Statistics() memutils.Statistics {
	h.lock.RLock()
	defer h.lock.RUnlock()

	var stats memutils.Statistics
	if h.ledger != nil {
		h.ledger.AddStatistics(&stats)
	}
	return stats
}

// DetailedStatistics visits every block to summarize the heap, including the extremes
// of allocation and free range sizes and the allocation count of each arena
func (h *Heap) DetailedStatistics() memutils.DetailedStatistics {
	h.lock.RLock()
	defer h.lock.RUnlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	if h.ledger != nil {
		h.ledger.AddDetailedStatistics(&stats)
	}
	return stats
}

// BuildStatsString returns a json document describing the heap. When detailedMap is set,
// the document also lists every block in address order.
func (h *Heap) BuildStatsString(detailedMap bool) string {
	h.lock.RLock()
	defer h.lock.RUnlock()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("Flags").String(h.flags.String())
	obj.Name("Granularity").Int(h.granularity)

	if h.ledger != nil {
		var stats memutils.DetailedStatistics
		stats.Clear()
		h.ledger.AddDetailedStatistics(&stats)

		total := obj.Name("Total").Object()
		stats.PrintJson(&total)
		total.End()

		heapObj := obj.Name("Heap").Object()
		heapObj.Name("GlobalNext").Int(h.globalNext)
		heapObj.Name("LocalNext").Int(h.localNext)
		h.ledger.BlockJsonData(&heapObj)
		if detailedMap {
			h.ledger.RegionsJsonData(&heapObj)
		}
		heapObj.End()
	}

	obj.End()
	return string(writer.Bytes())
}
