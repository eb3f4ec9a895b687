/*
Package worker provides Spark's job slots.

A Worker runs at most one job at a time:

	         AssignAndStart
	  Idle ─────────────────▶ Running
	   ▲                         │
	   └─────────────────────────┘
	       executor returned

AssignAndStart flips the state with a compare-and-swap before launching the
job goroutine, and the goroutine stores Idle as its very last action, so
IsRunning is true exactly while a job goroutine is alive. Assigning to a
running worker is a programming error and panics.

Jobs are never cancelled. Their start, output and outcome are reported to the
optional Observer and to Prometheus but not to the caller of AssignAndStart.
Output reaches the Observer in excerpts of about 2 KiB through Job.Output.

A Pool holds a fixed number of workers. IdleWorkers yields the workers that
are idle at the moment they are reached, and WaitIdle blocks without polling
until every worker has finished:

	pool := worker.NewPool(cfg.Capacity(), worker.NewCommandExecutor(cfg), nil)

	for w := range pool.IdleWorkers() {
		w.AssignAndStart(payload)
	}

	_ = pool.WaitIdle(ctx)

# Executors

An Executor runs a job to completion. CommandExecutor starts the configured
runner command with the job payload on stdin, inside a per-job workspace
directory, appending its output to a per-job log file:

	<WorkspaceRoot>/workspaces/<job-id>/
	<WorkspaceRoot>/logs/<job-id>.log

SPARK_JOB_ID and SPARK_WORKSPACE are added to the runner's environment. A
job whose workspace cannot be prepared, or whose runner cannot be started,
fails with a *RejectedError; a runner exiting unsuccessfully gives an
*ExecError.
*/
package worker
