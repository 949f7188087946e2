// Package service discovers, launches and serves the out of process render
// service.
//
// The service is the same binary running the hidden _serve command. It
// listens on a unix socket at a well-known path and speaks HTTP:
//
//	GET  /health    liveness probe, returns Health
//	POST /jobs      renders a render.Job, the response is a NDJSON stream of Event
//	POST /shutdown  the process exits once the running jobs are done
//	GET  /metrics   prometheus metrics
//
// A job stream is the only channel back to the client: a started event,
// progress events and a finished event carrying the optional error. When
// the client closes the request the job is cancelled.
//
// Client side, a Manager owned by one orchestration session goes through
// these states:
//
//	Unconnected -> Connected                 a service answered the probe
//	Unconnected -> Starting -> Connected     a launched service answered
//	Unconnected -> Starting -> Unavailable   fallback to local rendering
//
// Server side, the Accountant counts jobs in flight. The last finished job
// starts a bounded garbage collection cycle and arms the idle timer, the
// service exits when the timer fires with no job running.
package service
