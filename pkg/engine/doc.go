/*
Package engine implements the Spark coordinator.

Setup loads configuration and identity, opens the Lighthouse channel and
builds the worker pool. Any failure there is fatal and is returned before
anything starts; a configuration without a Lighthouse never opens a channel.

Run then polls on a ticker. Each pass performs one job-request cycle for
every worker that is idle when reached:

 1. encode a job request for this machine
 2. send it and wait up to RequestTimeout for the reply
 3. act on the outcome:
    - expired or failed: log, pause for ExpiryBackoff, leave the worker idle
    - terminated: log, no pause
    - delivered: decode and inspect the reply; a falsy document such as "{}"
      or "null" means no job, an {"error": ...} document or text that is not
      JSON is logged and dropped, anything else is started on the worker

The backoff is global: while it runs no further requests are made. It ends
early when the run context is cancelled.

Only the coordinator goroutine uses the channel, so there is never more than
one request in flight. A reconnect requested with RequestReconnect (SIGHUP in
the spark command) is applied between passes for the same reason.

Workers report job-accepted when a job starts, job-status messages carrying
output excerpts while it runs, and job-success, job-failed or job-rejected
when it ends. The messages are queued and sent by the coordinator before each
job request and while it waits for the next pass, in the order they were
produced. A message that gets no reply is dropped.

When the context is cancelled Run stops polling and waits for all workers to
become idle, sending their remaining status messages. Running jobs are not
interrupted.
*/
package engine
