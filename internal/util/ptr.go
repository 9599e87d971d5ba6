// Package util holds small generic helpers.
package util

// Ptr returns a pointer to a copy of v. Optional request fields such as
// llm.Request.Temperature use nil for "provider default".
func Ptr[T any](v T) *T {
	return &v
}
