// Package config loads sbkube node-set documents and runtime settings.
//
// # Node sets
//
// A node set is written in YAML, JSON or CUE and lists the nodes of a run in
// declaration order:
//
//	nodes:
//	  - id: database
//	    namespace: data
//	    tasks:
//	      - id: apply
//	        type: manifest
//	        paths: [manifests/postgres.yaml]
//	        validation:
//	          kind: statefulset
//	          name: postgres
//	          condition: jsonpath={.status.readyReplicas}=1
//	          timeout: 2m
//	  - id: api
//	    dependsOn: [database]
//	    onFailure: rollback
//	    tasks:
//	      - id: migrate
//	        type: command
//	        command: [./migrate, up]
//	        retry: {maxAttempts: 3, delay: 5s, backoff: exponential}
//	        rollback:
//	          enabled: true
//	          actions:
//	            - {id: down, type: command, command: [./migrate, down]}
//
// Every document is checked twice: struct tags (go-playground/validator) cover
// required fields and the fields each task type needs, and the built-in CUE
// #NodeSet schema covers id syntax and enumerations. CUE documents are unified
// with the schema directly, so errors point into the CUE source. Problems are
// reported as ValidationError values with file, line and document path.
// Graph checks such as unknown dependencies and cycles belong to the engine.
//
// Parser.Watch re-parses sources on change using fsnotify.
//
// # Settings
//
// Settings are read from SBKUBE_* environment variables with caarlos0/env and
// validated with go-playground/validator. The CLI overlays its flags on top.
package config
