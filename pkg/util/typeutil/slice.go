package typeutil

// FilterZero returns the non-zero elements of l in order. The result is never nil.
func FilterZero[T comparable](l []T) []T {
	var zero T
	res := make([]T, 0, len(l))
	for _, e := range l {
		if e != zero {
			res = append(res, e)
		}
	}
	return res
}

// Chunks splits l into consecutive sub-slices of at most size elements.
// The sub-slices share l's backing array. It panics if size is not positive.
func Chunks[T any](l []T, size int) [][]T {
	if size <= 0 {
		panic("typeutil: non-positive chunk size")
	}
	res := make([][]T, 0, (len(l)+size-1)/size)
	for len(l) > size {
		res = append(res, l[:size:size])
		l = l[size:]
	}
	if len(l) > 0 {
		res = append(res, l)
	}
	return res
}
