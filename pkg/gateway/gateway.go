// Package gateway provides the public API for embedding the LLM proxy.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/polyglot-llm-proxy/internal/runtime"
)

// Gateway is the main entry point for running the LLM proxy.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	    gateway.WithLogger(logger),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig = runtime.WithFileConfig
	WithConfig     = runtime.WithConfig

	// Collaborators that otherwise come from config
	WithStore       = runtime.WithStore
	WithRateLimiter = runtime.WithRateLimiter
	WithHTTPClient  = runtime.WithHTTPClient

	// Advanced options
	WithLogger = runtime.WithLogger
)
