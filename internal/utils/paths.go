package utils

import (
	"os"
	"path/filepath"
	"strings"
)

const AppName = "Scribe"

func GetAppDataDir() (string, error) {
	base := os.Getenv("APPDATA")
	if base == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		base = configDir
	}

	return filepath.Join(base, AppName), nil
}

func getSubDir(name string) (string, error) {
	appDataDir, err := GetAppDataDir()
	if err != nil {
		return "", err
	}

	dir := filepath.Join(appDataDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	return dir, nil
}

func GetRecordingsDir() (string, error) { return getSubDir("recordings") }
func GetLogsDir() (string, error)       { return getSubDir("logs") }
func GetConfigDir() (string, error)     { return getSubDir("config") }

func ResolveAbsPath(path string, baseDir string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}

	if baseDir != "" {
		return filepath.Join(baseDir, path), nil
	}

	return filepath.Abs(path)
}

func ResolveAndValidatePath(path string, baseDir string) (string, error) {
	absPath, err := ResolveAbsPath(path, baseDir)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(absPath); err != nil {
		return "", err
	}

	return absPath, nil
}

// TrimExt returns path without its extension ("a/b/rec.wav" -> "a/b/rec").
func TrimExt(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// RemoveQuietly deletes the given files, ignoring files that do not exist.
// It returns the first other error encountered.
func RemoveQuietly(paths ...string) error {
	var firstErr error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
