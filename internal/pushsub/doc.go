// Package pushsub keeps expiring per-resource push subscriptions alive.
package pushsub
