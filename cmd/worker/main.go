package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

func main() {
	loadEnv()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadEnv loads the first .env found near the working directory. Containers
// usually have none and rely on the process environment.
func loadEnv() {
	envPaths := []string{
		".env",       // current working directory
		"../../.env", // running from bin/
	}

	if workDir, err := os.Getwd(); err == nil {
		parentDir := filepath.Dir(workDir)
		grandParentDir := filepath.Dir(parentDir)

		envPaths = append(envPaths,
			filepath.Join(parentDir, ".env"),
			filepath.Join(grandParentDir, ".env"),
		)
	}

	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err != nil {
			continue
		}
		if err := godotenv.Load(envPath); err == nil {
			absPath, _ := filepath.Abs(envPath)
			fmt.Fprintf(os.Stderr, "Loaded environment from: %s\n", absPath)
			return
		}
	}
	fmt.Fprintln(os.Stderr, "No .env file found, using system environment variables")
}
