// Package registry implements the domain layer for workflow templates.
//
// This package contains only standard library code. It defines the entity
// types (Template, Graph, Step) and value objects (Artifact, Condition,
// RetryPolicy, Parameters) and the validation rules that make a template
// runnable. It has no knowledge of YAML files, databases or executors.
//
// # Core Types
//
// Template is an immutable, named pipeline. Built-in templates are
// identified by their key; custom templates are namespaced by owner and
// versioned, so their id has the form owner/key@vN. Editing a custom
// template never mutates it; a new version is minted instead.
//
// Graph is the validated DAG of steps. Construction rejects duplicate step
// ids, unknown dependsOn references and cycles, so a *Graph in hand is
// always runnable.
//
// Step is one operation in a graph. Its Condition gates whether it runs
// once its dependencies are terminal, its RetryPolicy controls re-attempts
// and its timeout bounds the whole step or each attempt.
//
// Catalog declares the closed set of parameters each operation kind
// recognizes. Templates built with a catalog have their step parameters
// checked at build time.
//
// # Import Aliasing
//
// The application layer in internal/registry/application uses the same
// package name. Import this package as domain when both are needed:
//
//	import (
//	    domain "github.com/zjrosen/batchflow/internal/registry/domain"
//	    "github.com/zjrosen/batchflow/internal/registry/application"
//	)
package registry
