// Package app is the application layer: the only component that references
// multiple domain components. It owns the scan session registry and
// orchestrates all use cases.
package app
