package main

import (
	"fmt"
	"os"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/auth"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: go run cmd/keygen/main.go <provider> <provider-api-key> [agent-id]")
		fmt.Println("Generates a virtual key standing in for the provider key, and the config.yaml entry that maps it")
		os.Exit(1)
	}

	provider, providerKey := os.Args[1], os.Args[2]
	var agentID string
	if len(os.Args) > 3 {
		agentID = os.Args[3]
	}

	key, err := auth.GenerateVirtualKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
		os.Exit(1)
	}
	keyHash := auth.HashKey(key)

	fmt.Printf("Virtual Key: %s\n", key)
	fmt.Printf("SHA-256 Hash: %s\n", keyHash)
	fmt.Println("\nAdd this to your config.yaml:")
	fmt.Printf("  virtual_keys:\n")
	fmt.Printf("    - key_hash: \"%s\"\n", keyHash)
	fmt.Printf("      provider: %s\n", provider)
	fmt.Printf("      provider_api_key: \"%s\"\n", providerKey)
	if agentID != "" {
		fmt.Printf("      agent_id: %s\n", agentID)
	}
}
