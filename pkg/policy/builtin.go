package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		nodeNamingPolicy(),
		noSudoPolicy(),
		rollbackActionsPolicy(),
		manifestNamespacePolicy(),
		retryBoundsPolicy(),
		disabledDependencyPolicy(),
	}
}

// nodeNamingPolicy keeps node ids usable as Kubernetes label values.
func nodeNamingPolicy() Policy {
	return Policy{
		Name:        "node-naming",
		Description: "Node ids should be lowercase DNS labels",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package sbkube.policies.naming

import rego.v1

deny contains violation if {
	some node in input.nodes
	not regex.match("^[a-z0-9]([-a-z0-9]*[a-z0-9])?$", node.id)
	violation := {
		"message": sprintf("node id '%s' is not a lowercase DNS label", [node.id]),
		"severity": "warning",
		"node": node.id,
		"remediation": "use lowercase letters, digits and '-', starting and ending with a letter or digit",
	}
}

deny contains violation if {
	some node in input.nodes
	count(node.id) > data.params.max_node_id_length
	violation := {
		"message": sprintf("node id '%s' is longer than %d characters", [node.id, data.params.max_node_id_length]),
		"severity": "error",
		"node": node.id,
	}
}
`,
	}
}

// noSudoPolicy rejects commands that escalate privileges.
func noSudoPolicy() Policy {
	return Policy{
		Name:        "no-sudo",
		Description: "Command tasks and rollback actions must not use sudo",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"security"},
		Rego: `package sbkube.policies.nosudo

import rego.v1

deny contains violation if {
	some node in input.nodes
	some task in node.tasks
	uses_sudo(task)
	violation := {
		"message": sprintf("task %s/%s runs sudo", [node.id, task.id]),
		"severity": "error",
		"node": node.id,
		"task": task.id,
		"remediation": "grant the runner the permissions it needs instead of escalating",
	}
}

deny contains violation if {
	some node in input.nodes
	some task in node.tasks
	some action in task.rollback.actions
	uses_sudo(action)
	violation := {
		"message": sprintf("rollback action %s of task %s/%s runs sudo", [action.id, node.id, task.id]),
		"severity": "error",
		"node": node.id,
		"task": task.id,
	}
}

uses_sudo(task) if task.argv[0] == "sudo"

uses_sudo(task) if {
	some arg in task.argv
	regex.match("(^|[;&|]\\s*)sudo\\s", arg)
}
`,
	}
}

// rollbackActionsPolicy catches rollback blocks that would do nothing.
func rollbackActionsPolicy() Policy {
	return Policy{
		Name:        "rollback-actions",
		Description: "Enabled rollback policies must declare at least one action",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"rollback"},
		Rego: `package sbkube.policies.rollback

import rego.v1

deny contains violation if {
	some node in input.nodes
	some task in node.tasks
	task.rollback.enabled
	task.rollback.trigger != "never"
	count(task.rollback.actions) == 0
	violation := {
		"message": sprintf("task %s/%s enables rollback without actions", [node.id, task.id]),
		"severity": "error",
		"node": node.id,
		"task": task.id,
		"remediation": "add rollback actions or set enabled: false",
	}
}
`,
	}
}

// manifestNamespacePolicy warns about manifests applied to whatever namespace
// the kubeconfig context happens to select.
func manifestNamespacePolicy() Policy {
	return Policy{
		Name:        "manifest-namespace",
		Description: "Manifest and inline tasks should resolve to an explicit namespace",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"kubernetes"},
		Rego: `package sbkube.policies.namespace

import rego.v1

deny contains violation if {
	object.get(input.context, "namespace", "") == ""
	some node in input.nodes
	some task in node.tasks
	task.kind in {"manifest", "inline"}
	task.namespace == ""
	violation := {
		"message": sprintf("task %s/%s has no namespace and no run namespace is set", [node.id, task.id]),
		"severity": "warning",
		"node": node.id,
		"task": task.id,
		"remediation": "set namespace on the node or task, or pass --namespace",
	}
}
`,
	}
}

// retryBoundsPolicy flags retry counts above data.params.max_retry_attempts.
func retryBoundsPolicy() Policy {
	return Policy{
		Name:        "retry-bounds",
		Description: "Retry policies should stay within the configured attempt limit",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"retry"},
		Rego: `package sbkube.policies.retry

import rego.v1

deny contains violation if {
	some node in input.nodes
	some task in node.tasks
	task.max_attempts > data.params.max_retry_attempts
	violation := {
		"message": sprintf("task %s/%s retries %d times, limit is %d", [node.id, task.id, task.max_attempts, data.params.max_retry_attempts]),
		"severity": "warning",
		"node": node.id,
		"task": task.id,
	}
}
`,
	}
}

// disabledDependencyPolicy reports enabled nodes that depend on disabled ones,
// since the engine treats those edges as satisfied.
func disabledDependencyPolicy() Policy {
	return Policy{
		Name:        "disabled-dependency",
		Description: "Reports dependencies on disabled nodes",
		Severity:    SeverityInfo,
		Enabled:     true,
		Tags:        []string{"graph"},
		Rego: `package sbkube.policies.disabled

import rego.v1

disabled_ids contains node.id if {
	some node in input.nodes
	node.disabled
}

deny contains violation if {
	some node in input.nodes
	not node.disabled
	some dep in node.depends_on
	dep in disabled_ids
	violation := {
		"message": sprintf("node %s depends on disabled node %s, which will not run", [node.id, dep]),
		"severity": "info",
		"node": node.id,
	}
}
`,
	}
}
