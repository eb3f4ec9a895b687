/*
Package metrics exposes Spark's Prometheus metrics, health state and local
status endpoint.

# Metrics

	spark_workers_total                   gauge      configured job slots
	spark_workers_running                 gauge      slots running a job
	spark_ledger_jobs                     gauge      entries in the job ledger
	spark_job_requests_total{outcome}     counter    assigned, no_job, rejected, expired, terminated, failed
	spark_request_duration_seconds        histogram  request to outcome
	spark_backoffs_total                  counter    pauses after unanswered requests
	spark_jobs_started_total              counter
	spark_jobs_finished_total{result}     counter    succeeded, failed
	spark_job_duration_seconds            histogram

Counters are updated where the event happens. The gauges are sampled by a
Collector every 15 seconds, which also keeps the "workers" and "ledger" health
components current.

# Health

Components report through UpdateComponent. /health is unhealthy while any
component is; /ready additionally requires the critical components
"lighthouse" and "workers" to be registered and healthy. The engine marks
"lighthouse" healthy after the first delivered reply and unhealthy after an
expired or failed request.

# Status server

Server is an echo router serving:

	GET /metrics         Prometheus exposition
	GET /health          HealthStatus JSON, 503 when unhealthy
	GET /ready           HealthStatus JSON, 503 when not ready
	GET /live            always 200
	GET /jobs?limit=N    most recent ledger entries, newest first

It only runs when StatusAddr is configured.
*/
package metrics
