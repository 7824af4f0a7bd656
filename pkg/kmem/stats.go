package kmem

import (
	"fmt"
	"sort"
	"strings"

	"github.com/joshuapare/memkit/mem/account"
	"github.com/joshuapare/memkit/mem/buddy"
	"github.com/joshuapare/memkit/mem/kmalloc"
	"github.com/joshuapare/memkit/mem/pmm"
	"github.com/joshuapare/memkit/mem/slab"
)

// CacheStats pairs a cache's name with its counters.
type CacheStats struct {
	Name string
	slab.CacheStats
}

// SystemStats aggregates every layer's counters in one snapshot.
type SystemStats struct {
	Frames  pmm.Stats
	Pages   buddy.Stats
	Lookup  slab.LookupStats
	Generic kmalloc.Stats
	Caches  []CacheStats
	Tags    []account.TagStats
}

// Stats collects a snapshot across all layers. The layers are sampled
// one after another, so the snapshot is not a single atomic cut.
func (s *System) Stats() SystemStats {
	st := SystemStats{
		Frames:  s.frames.Stats(),
		Pages:   s.pages.Stats(),
		Lookup:  s.reg.Lookup().Stats(),
		Generic: s.gen.Stats(),
		Tags:    s.acct.Stats(),
	}
	for _, c := range s.reg.Caches() {
		st.Caches = append(st.Caches, CacheStats{Name: c.Name(), CacheStats: c.Stats()})
	}
	sort.Slice(st.Caches, func(i, j int) bool { return st.Caches[i].Name < st.Caches[j].Name })
	return st
}

// Summary renders the snapshot as a human-readable report.
func (st SystemStats) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "frames: %d total, %d free, %d reserved, %d allocated (%d failed, %d bad frees)\n",
		st.Frames.TotalPages, st.Frames.FreePages, st.Frames.ReservedPages,
		st.Frames.AllocatedPages, st.Frames.FailedAllocs, st.Frames.BadFrees)
	fmt.Fprintf(&b, "buddy: %d chunk(s), %d pages active (peak %d), %d splits, %d coalesces, %d passthrough\n",
		st.Pages.ChunkCount, st.Pages.ActivePages, st.Pages.PeakPages,
		st.Pages.Splits, st.Pages.Coalesces, st.Pages.PassthroughAllocs)
	fmt.Fprintf(&b, "lookup: %s, %d buckets, %d entries, %d resizes\n",
		st.Lookup.State, st.Lookup.Buckets, st.Lookup.Entries, st.Lookup.Resizes)
	fmt.Fprintf(&b, "kmalloc: %d bytes active (peak %d), %d large live, %d bad frees\n",
		st.Generic.ActiveBytes, st.Generic.PeakBytes, st.Generic.LargeActive, st.Generic.BadFrees)
	for _, c := range st.Caches {
		fmt.Fprintf(&b, "  cache %-16s %4d/%4d objs, slabs %d full / %d partial / %d empty\n",
			c.Name, c.ActiveObjs, c.TotalObjs, c.FullSlabs, c.PartialSlabs, c.EmptySlabs)
	}
	for _, ts := range st.Tags {
		if ts.AllocCalls == 0 {
			continue
		}
		fmt.Fprintf(&b, "  tag %-18s %d bytes live (peak %d)\n", ts.Name, ts.ActiveBytes, ts.PeakBytes)
	}
	return b.String()
}
