/*
Package config loads the flotilla configuration file.

The file is YAML and is decoded on top of Default, so only the settings that
differ need to be present. Unknown keys are rejected. Durations use Go
syntax ("30s", "5m").

	cluster: prod
	definition: s3://flotilla-config/prod.yaml
	providers:
	  placement: ecs
	  discovery: cloudmap
	aws:
	  namespace_id: ns-abc123
	batch:
	  zones: [us-east-1a, us-east-1b]
	  image_id: ami-0123456789
	  volume:
	    size: 300
	    iops_per_gib: 40
	events:
	  nats_url: nats://127.0.0.1:4222

Command line flags override the file after it is loaded.
*/
package config
