package orderbook

// DeriveStatus maps a remaining/requested pair to the fill status.
// A non-positive remaining is reported as Filled; a negative one is a defect
// the matcher flags separately. Cancelled is never derived.
func DeriveStatus(remaining, requested int64) Status {
	switch {
	case remaining <= 0:
		return Filled
	case remaining < requested:
		return PartiallyFilled
	default:
		return Open
	}
}
