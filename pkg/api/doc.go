// Package api exposes the maintenance engine over HTTP using gin.
//
// Routes live under /api/v1. Work orders are created and moved through their
// lifecycle, PM occurrences are listed and deferred, SLA breaches are listed
// and waived, compliance metrics are read or exported as a spreadsheet, and
// condition readings are pushed in batches.
//
// List endpoints page with limit and offset (default 50, max 500). Errors are
// returned as {"error": {...}} with the engine error class and code:
// validation maps to 400, not found to 404, idempotency and version conflicts
// to 409.
package api
