// Package types holds small generic building blocks shared across the module.
package types

// ContextKey is a dedicated type for context values set by this module.
type ContextKey string
