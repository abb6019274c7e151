package forja

import (
	"bufio"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Config struct
type Config struct {
	Values       map[string]string
	DefaultStrip bool
}

// Load /etc/forja.conf and apply defaults
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	// Merge FORJA_* env overrides
	mergeEnvOverrides(cfg)

	return cfg, nil
}

// Merge FORJA_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "FORJA_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}

	// Also import LFS from the environment, without overwriting an explicit
	// config file value. Convenient during a chrooted bootstrap.
	if lfs := os.Getenv("LFS"); lfs != "" {
		if _, exists := cfg.Values["FORJA_ROOT"]; !exists {
			cfg.Values["FORJA_ROOT"] = lfs
		}
	}
}

func initConfig(cfg *Config) {
	rootDir = cfg.Values["FORJA_ROOT"]
	if rootDir == "" {
		rootDir = "/"
	}

	RepoDir = cfg.Values["FORJA_REPO"]
	if RepoDir == "" {
		log.Printf("Warning: FORJA_REPO is not set")
	}

	Debug = cfg.Values["FORJA_DEBUG"] == "1"
	KeepWork = cfg.Values["FORJA_KEEP_WORK"] == "1"

	cfg.DefaultStrip = true
	WantStrip = cfg.Values["FORJA_STRIP"]
	if WantStrip == "0" {
		cfg.DefaultStrip = false
	}

	cacheDir := cfg.Values["FORJA_CACHE_DIR"]
	if cacheDir == "" {
		cacheDir = "/var/cache/forja"
	}

	SourcesDir = cfg.Values["FORJA_SOURCES"]
	if SourcesDir == "" {
		SourcesDir = cacheDir + "/sources"
	}
	WorkDir = cfg.Values["FORJA_WORK"]
	if WorkDir == "" {
		WorkDir = cacheDir + "/work"
	}
	StagingDir = cfg.Values["FORJA_STAGING"]
	if StagingDir == "" {
		StagingDir = cacheDir + "/staging"
	}
	BinDir = cfg.Values["FORJA_BIN"]
	if BinDir == "" {
		BinDir = cacheDir + "/bin"
	}
	LogDir = cfg.Values["FORJA_LOGS"]
	if LogDir == "" {
		LogDir = cacheDir + "/logs"
	}
	Installed = filepath.Join(rootDir, "var/db/forja/installed")
}
