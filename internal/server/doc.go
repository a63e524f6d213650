// Package server provides the HTTP health API of an intake process.
//
//   - REST API: consumer health records at "/api/consumers"
//   - Server-Sent Events: health updates at "/api/sse"
//   - Probes: "/health/ready" and "/health/live" for orchestrators
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests. It is started by Intake.Start in the root package.
package server
