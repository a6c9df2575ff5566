// Package mutation defines the event payload value model, its canonical JSON
// form, and the deterministic identity scheme for kiosk mutations.
//
// This package performs no I/O. Every other internal package may import
// mutation; mutation imports nothing internal.
//
// Key constraints:
//   - NO float values in payloads - money and quantities are int64 minor units
//   - NO null values - optional fields are omitted instead
//   - Identical logical input always yields the identical mutation id
//   - All JSON keys use snake_case
package mutation
