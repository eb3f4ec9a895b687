/*
Package storage keeps a local ledger of the jobs this agent received.

The ledger is a BoltDB file (<WorkspaceRoot>/spark.db) with two buckets:

	jobs        job ID -> JSON JobRecord
	job_order   big-endian sequence -> job ID

job_order gives the arrival order used by ListRecent and by pruning, which
keeps at most DefaultMaxRecords entries. Jobs still marked running when the
ledger is opened belonged to a previous process and are marked lost.

The ledger is bookkeeping only. The engine runs without it when it cannot
be opened.
*/
package storage
