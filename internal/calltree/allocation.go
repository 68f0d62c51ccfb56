package calltree

import "sort"

type (
	// AllocationSite is the lexical place an object was allocated: the
	// scope defining the allocated object and the source line.
	AllocationSite struct {
		Scope string `json:"scope"`
		Line  int    `json:"line"`
	}

	Allocation struct {
		Site  AllocationSite `json:"site"`
		Count uint64         `json:"count"`
		Bytes uint64         `json:"bytes"`
	}
)

// Allocate adds one allocation of size bytes at site to the record's ledger.
func (t *Tree) Allocate(id RecordID, site AllocationSite, size uint64) {
	t.records[id].addAllocation(Allocation{Site: site, Count: 1, Bytes: size})
}

func (r *Record) addAllocation(a Allocation) {
	if r.allocations == nil {
		r.allocations = make(map[AllocationSite]*Allocation)
	}
	e, ok := r.allocations[a.Site]
	if !ok {
		e = &Allocation{Site: a.Site}
		r.allocations[a.Site] = e
	}
	e.Count += a.Count
	e.Bytes += a.Bytes
}

// Allocations returns the ledger sorted by site.
func (r *Record) Allocations() []Allocation {
	if len(r.allocations) == 0 {
		return nil
	}
	allocations := make([]Allocation, 0, len(r.allocations))
	for _, a := range r.allocations {
		allocations = append(allocations, *a)
	}
	sort.Slice(allocations, func(i, j int) bool {
		if allocations[i].Site.Scope != allocations[j].Site.Scope {
			return allocations[i].Site.Scope < allocations[j].Site.Scope
		}
		return allocations[i].Site.Line < allocations[j].Site.Line
	})
	return allocations
}
