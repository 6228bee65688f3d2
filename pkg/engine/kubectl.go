package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Kubectl builds kubectl argv for a fixed binary, context and kubeconfig.
type Kubectl struct {
	Binary     string
	Context    string
	Kubeconfig string
}

// Command returns the argv for kubectl with the given arguments.
func (k Kubectl) Command(args ...string) []string {
	bin := k.Binary
	if bin == "" {
		bin = "kubectl"
	}
	argv := []string{bin}
	if k.Kubeconfig != "" {
		argv = append(argv, "--kubeconfig", k.Kubeconfig)
	}
	if k.Context != "" {
		argv = append(argv, "--context", k.Context)
	}
	return append(argv, args...)
}

// ApplyFiles returns the argv that applies manifest paths.
func (k Kubectl) ApplyFiles(paths []string, namespace string) []string {
	args := []string{"apply"}
	for _, p := range paths {
		args = append(args, "-f", p)
	}
	if namespace != "" {
		args = append(args, "-n", namespace)
	}
	return k.Command(args...)
}

// ApplyStdin returns the argv that applies manifests read from stdin.
func (k Kubectl) ApplyStdin() []string {
	return k.Command("apply", "-f", "-")
}

// clusterScopedKinds never receive an injected namespace.
var clusterScopedKinds = map[string]bool{
	"Namespace":                      true,
	"Node":                           true,
	"PersistentVolume":               true,
	"StorageClass":                   true,
	"ClusterRole":                    true,
	"ClusterRoleBinding":             true,
	"CustomResourceDefinition":       true,
	"PriorityClass":                  true,
	"IngressClass":                   true,
	"MutatingWebhookConfiguration":   true,
	"ValidatingWebhookConfiguration": true,
}

// InjectNamespace sets metadata.namespace on every namespaced document of a
// multi-document manifest that does not already carry one. Empty documents are
// dropped.
func InjectNamespace(content, namespace string) ([]byte, error) {
	dec := yaml.NewDecoder(bytes.NewBufferString(content))

	var out bytes.Buffer
	enc := yaml.NewEncoder(&out)
	enc.SetIndent(2)

	docs := 0
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse manifest: %w", err)
		}
		if len(doc.Content) == 0 {
			continue
		}
		root := doc.Content[0]
		if root.Kind == yaml.ScalarNode && root.Tag == "!!null" {
			continue
		}
		if root.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("manifest document %d is not a mapping", docs+1)
		}
		if namespace != "" && !clusterScopedKinds[scalarValue(root, "kind")] {
			setNamespace(root, namespace)
		}
		if err := enc.Encode(&doc); err != nil {
			return nil, fmt.Errorf("failed to encode manifest: %w", err)
		}
		docs++
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if docs == 0 {
		return nil, fmt.Errorf("manifest contains no documents")
	}
	return out.Bytes(), nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func scalarValue(m *yaml.Node, key string) string {
	if v := mappingValue(m, key); v != nil && v.Kind == yaml.ScalarNode {
		return v.Value
	}
	return ""
}

func setNamespace(root *yaml.Node, namespace string) {
	meta := mappingValue(root, "metadata")
	if meta == nil {
		meta = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "metadata"}, meta)
	}
	if meta.Kind != yaml.MappingNode {
		return
	}
	if ns := mappingValue(meta, "namespace"); ns != nil {
		if ns.Value == "" {
			ns.Kind, ns.Tag, ns.Value = yaml.ScalarNode, "!!str", namespace
		}
		return
	}
	meta.Content = append(meta.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "namespace"},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: namespace})
}
