// Package policy provides Open Policy Agent (OPA) checks for node sets.
//
// Before a run, the CLI converts the resolved nodes into a PolicyInput and
// evaluates every enabled policy against it. Each policy is a Rego module
// whose package defines a "deny" set; each element is either a string or an
// object with message, severity, node, task and remediation keys.
//
//	package sbkube.policies.team
//
//	import rego.v1
//
//	deny contains violation if {
//		some node in input.nodes
//		not node.labels.team
//		violation := {"message": sprintf("node %s has no team label", [node.id]), "node": node.id}
//	}
//
// Violations with severity error or critical make PolicyResult.Allowed false;
// warning and info findings are reported but do not block. Tunables such as
// the retry limit are exposed as data.params and can be changed with
// WithParams.
//
// Built-in policies:
//
//   - node-naming: node ids are lowercase DNS labels of bounded length
//   - no-sudo: command tasks and rollback actions do not run sudo
//   - rollback-actions: enabled rollback policies declare actions
//   - manifest-namespace: manifest tasks resolve to a namespace
//   - retry-bounds: retry counts stay under data.params.max_retry_attempts
//   - disabled-dependency: dependencies on disabled nodes are reported
//
// Additional policies are loaded with Engine.LoadPolicies from .rego files,
// JSON policy files or JSON bundles. A .rego file's leading comment block is
// its description and may set "# severity: error" and "# tags: a, b".
package policy
