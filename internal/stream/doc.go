// Package stream delivers incrementally produced text as a single message
// that is edited in place.
package stream
