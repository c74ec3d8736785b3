// Package util contains small numeric helpers shared across the
// reclamation core, kept from biscuit/src/util/util.go's generic
// Min/Rounddown/Roundup and extended with the Clamp/Min3/Max the
// threshold configurator needs for spec.md §4.1's tune/clamp derivations.
package util

// / Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// / Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// / Max returns the larger of a and b.
func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// / Min3 returns the smallest of a, b, and c.
func Min3[T Int](a, b, c T) T {
	return Min(Min(a, b), c)
}

// / ClampI64 saturates v into [lo, hi].
func ClampI64[T Int](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// / Min3I64 is an alias of Min3 kept for call-site clarity where the
// / caller wants to emphasize the 64-bit page-count domain.
func Min3I64[T Int](a, b, c T) T { return Min3(a, b, c) }

// / Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// / Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}
