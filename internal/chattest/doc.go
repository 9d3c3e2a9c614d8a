// Package chattest provides an in-memory chat adapter for tests.
package chattest
