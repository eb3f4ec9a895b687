/*
Package config loads the Spark engine configuration and machine identity.

The configuration is a JSON document (by default /etc/laniakea/spark.json):

	{
	    "MachineName": "builder-07",
	    "LighthouseServer": "tcp://lighthouse.example.org:5570",
	    "MaxJobs": 4
	}

Only LighthouseServer is required. MaxJobs defaults to 1 and values outside
1..100 are reset to 1 with a warning. Every key may be overridden from the
environment with the SPARK_ prefix (SPARK_MAXJOBS=2).

The machine ID comes from /etc/machine-id and the machine name from the
MachineName setting or /etc/hostname. Key material is located by convention:

	<KeysDir>/<machine_name>_private.sec
	<KeysDir>/<machine_name>_lighthouse-server.pub

All file access goes through an afero.Fs so the loader can be exercised
against an in-memory filesystem.
*/
package config
