// Package safe provides overflow-checked int64 arithmetic.
// Fixed-point values must never wrap silently; an overflow is a programming error.
package safe

import (
	"fmt"
	"math"
)

// SafeAdd returns a+b. Panics on overflow.
func SafeAdd(a, b int64) int64 {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		panic(fmt.Sprintf("INT64_ADD_OVERFLOW: %d + %d", a, b))
	}
	return a + b
}

// SafeSub returns a-b. Panics on overflow.
func SafeSub(a, b int64) int64 {
	if (b < 0 && a > math.MaxInt64+b) || (b > 0 && a < math.MinInt64+b) {
		panic(fmt.Sprintf("INT64_SUB_OVERFLOW: %d - %d", a, b))
	}
	return a - b
}

// SafeMul returns a*b. Panics on overflow.
func SafeMul(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	c := a * b
	if c/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		panic(fmt.Sprintf("INT64_MUL_OVERFLOW: %d * %d", a, b))
	}
	return c
}

// FloorDiv divides rounding toward negative infinity. b must be positive.
func FloorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && (a < 0) {
		q--
	}
	return q
}
