package layout

// Alignment utilities. Every extent the allocator stack hands around is
// page-granular, and several layers need power-of-two rounding.

// AlignPage returns n aligned up to the next page boundary.
//
// Example:
//
//	AlignPage(1)    = 4096
//	AlignPage(4096) = 4096
//	AlignPage(4097) = 8192
func AlignPage(n uint64) uint64 {
	return (n + PageMask) & ^uint64(PageMask)
}

// PagesFor returns the number of pages needed to hold n bytes.
func PagesFor(n uint64) uint64 {
	return AlignPage(n) >> PageShift
}

// OrderFor returns the smallest buddy order whose block covers n pages.
// n must be at least 1; results above MaxOrder are the caller's problem.
func OrderFor(n uint64) uint {
	order := uint(0)
	for (uint64(1) << order) < n {
		order++
	}
	return order
}

// OrderPages returns the page count of a block of the given order.
func OrderPages(order uint) uint64 {
	return uint64(1) << order
}

// OrderBytes returns the byte size of a block of the given order.
func OrderBytes(order uint) uint64 {
	return uint64(1) << (order + PageShift)
}

// IsPageAligned reports whether addr sits on a page boundary.
func IsPageAligned(addr uint64) bool {
	return addr&PageMask == 0
}
