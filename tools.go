//go:build tools

// Package tools pins the linter and the ginkgo test runner in go.mod. It is
// never built.
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "github.com/onsi/ginkgo/ginkgo"
)
