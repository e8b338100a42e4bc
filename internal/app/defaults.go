package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns the default locations used by 'config init' and by
// every command that reads the config. Environment variables win over the
// home directory layout:
//   - ACTINDEX_CONFIG_PATH: config file (default: ~/.config/actindex.toml)
//   - ACTINDEX_HOME: data directory holding the database, keys and logs
//     (default: ~/.local/share/actindex)
//   - ACTINDEX_MBOX, then MAIL: mailbox used for attachment correlation
//     (default: <ACTINDEX_HOME>/mail/inbox.mbox)
//
// The exclude file sits next to the config file so that path patterns can
// be edited without touching the TOML.
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path":  configPath,
		"base_dir":     baseDir,
		"log_dir":      filepath.Join(baseDir, "log"),
		"mbox_path":    getMboxPath(baseDir),
		"exclude_file": excludeFileFor(configPath),
	}, nil
}

func getConfigPath() (string, error) {
	if path := os.Getenv("ACTINDEX_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "actindex.toml"), nil
}

func getBaseDir() (string, error) {
	if path := os.Getenv("ACTINDEX_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "actindex"), nil
}

// getMboxPath prefers an explicit mailbox, then the spool named by $MAIL.
func getMboxPath(baseDir string) string {
	for _, env := range []string{"ACTINDEX_MBOX", "MAIL"} {
		if path := os.Getenv(env); path != "" {
			return path
		}
	}
	return filepath.Join(baseDir, "mail", "inbox.mbox")
}

// excludeFileFor maps ~/.config/actindex.toml to ~/.config/actindex.exclude.
func excludeFileFor(configPath string) string {
	ext := filepath.Ext(configPath)
	return configPath[:len(configPath)-len(ext)] + ".exclude"
}
