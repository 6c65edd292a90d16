package utils

// RemoveSliceElementInPlace drops every element equal to value, keeping order.
func RemoveSliceElementInPlace[T comparable](slice *[]T, value T) {
	newLen := 0
	for _, v := range *slice {
		if v != value {
			(*slice)[newLen] = v
			newLen++
		}
	}
	*slice = (*slice)[:newLen]
}
