package store

import (
	"sort"

	"venue/domain/orderbook"
)

// SortResting puts orders of one side into priority order.
func SortResting(dir orderbook.Direction, orders []orderbook.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if a.Price.Valid != b.Price.Valid {
			return !a.Price.Valid
		}
		if a.Price.Valid && !a.Price.Decimal.Equal(b.Price.Decimal) {
			if dir == orderbook.Buy {
				return a.Price.Decimal.GreaterThan(b.Price.Decimal)
			}
			return a.Price.Decimal.LessThan(b.Price.Decimal)
		}
		return a.Seq < b.Seq
	})
}
