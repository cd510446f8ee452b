// Package testutil contains helpers used across tests to reduce boilerplate
// when constructing conversations and observing turns. They are not intended
// for production usage.
package testutil
