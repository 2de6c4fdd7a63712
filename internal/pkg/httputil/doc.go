// Package httputil provides shared HTTP response/request utilities for
// the admin-facing handlers.
//
// Handler files should use these helpers instead of writing raw
// http.ResponseWriter calls. This keeps the JSON error envelope, content
// types, and logging consistent across all authenticated endpoints. The
// public tracking endpoints deliberately do NOT use this package; they
// never return JSON and never surface errors to the recipient.
package httputil
