package domain

// RecomputeSubtotal sums line totals using integer arithmetic in minor
// currency units. It returns the computed subtotal without mutating the draft.
func (d OrderDraft) RecomputeSubtotal() int64 {
	var subtotal int64
	for _, line := range d.Lines {
		subtotal += line.LineTotal
	}
	return subtotal
}

// Consistent reports whether every line total equals unit price times
// quantity and the draft subtotal equals the sum of line totals.
func (d OrderDraft) Consistent() bool {
	var subtotal int64
	for _, line := range d.Lines {
		if line.LineTotal != line.UnitPrice*int64(line.Quantity) {
			return false
		}
		subtotal += line.LineTotal
	}
	return subtotal == d.Subtotal
}

// Quantities returns the requested quantity per product reference,
// aggregating duplicate lines.
func (d OrderDraft) Quantities() map[string]int {
	quantities := make(map[string]int, len(d.Lines))
	for _, line := range d.Lines {
		quantities[line.ProductRef] += line.Quantity
	}
	return quantities
}
