// Package scan implements the scan session manager.
//
// The Manager mediates between the host media platform, the barcode decode
// engine and the UI. It enforces that at most one capture stream and one
// decode loop are active at a time, that every acquired stream is eventually
// released, and that accepted decodes reach the consumer exactly once per
// scanning generation. All operations are non-blocking; async work resumes
// through callbacks and is guarded by a generation counter so superseded
// operations cannot apply late results.
package scan
