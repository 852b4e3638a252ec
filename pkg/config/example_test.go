package config_test

import (
	"fmt"
	"log"
	"os"

	"github.com/paulswartz/data-platform/pkg/config"
)

// ExampleNewConfig demonstrates the defaults used when no file is given.
func ExampleNewConfig() {
	cfg := config.NewConfig()

	fmt.Printf("Environment: %s\n", cfg.API.Environment)
	fmt.Printf("Land format: %s\n", cfg.Sync.LandFormat)
	fmt.Printf("Parquet codec: %s\n", cfg.Sync.ParquetCompression)

	// Output:
	// Environment: qa
	// Land format: parquet
	// Parquet codec: gzip
}

// ExampleConfig_Validate shows how to validate a configuration
// before using it.
func ExampleConfig_Validate() {
	cfg := config.NewConfig()
	cfg.Sync.LandFormat = "arrow"

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	fmt.Println("Configuration is valid!")

	// Output:
	// Configuration is valid!
}

// ExampleParse demonstrates environment variable substitution.
func ExampleParse() {
	os.Setenv("EXAMPLE_DMAP_KEY", "secret")
	defer os.Unsetenv("EXAMPLE_DMAP_KEY")

	cfg := config.NewConfig()
	yaml := []byte(`
api:
  public_api_key: ${EXAMPLE_DMAP_KEY}
sync:
  land_format: ${EXAMPLE_DMAP_FORMAT:-arrow}
`)
	if err := config.Parse(yaml, cfg); err != nil {
		log.Fatal(err)
	}

	fmt.Println(cfg.API.PublicAPIKey)
	fmt.Println(cfg.Sync.LandFormat)

	// Output:
	// secret
	// arrow
}
